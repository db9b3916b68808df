package service

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

const unitListing = "klipper.service loaded active running Klipper 3D printer firmware\n" +
	"klipper-mcu.service loaded active running Klipper host MCU\n" +
	"moonraker.service loaded active running Moonraker API\n" +
	"kfleetd.service loaded active running Fleet flash orchestrator\n"

func newTestController(runner *proc.FakeRunner) *Controller {
	logger := log.New(io.Discard, "", 0)
	return NewController(runner, []string{"klipper*", "moonraker*"}, logger)
}

func countMatching(runner *proc.FakeRunner, match string) int {
	n := 0
	for _, line := range runner.CallLines() {
		if strings.Contains(line, match) {
			n++
		}
	}
	return n
}

func TestSuspendStopsMatchingUnitsOnce(t *testing.T) {
	runner := proc.NewFakeRunner()
	runner.RespondOutput("list-units", unitListing)
	ctrl := newTestController(runner)

	resume1, err := ctrl.Suspend(context.Background())
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	resume2, err := ctrl.Suspend(context.Background())
	if err != nil {
		t.Fatalf("nested suspend: %v", err)
	}

	if got := countMatching(runner, "systemctl stop"); got != 3 {
		t.Fatalf("expected 3 stop calls, got %d: %v", got, runner.CallLines())
	}
	for _, line := range runner.CallLines() {
		if strings.Contains(line, "stop kfleetd.service") {
			t.Fatal("must never stop the orchestrator's own unit")
		}
	}

	if err := resume2(context.Background()); err != nil {
		t.Fatalf("inner resume: %v", err)
	}
	if got := countMatching(runner, "systemctl start"); got != 0 {
		t.Fatalf("units restarted while outer scope still active (%d starts)", got)
	}
	if !ctrl.Suspended() {
		t.Fatal("controller should still report suspended")
	}

	if err := resume1(context.Background()); err != nil {
		t.Fatalf("outer resume: %v", err)
	}
	if got := countMatching(runner, "systemctl start"); got != 3 {
		t.Fatalf("expected 3 start calls after last resume, got %d", got)
	}
	if ctrl.Suspended() {
		t.Fatal("controller should report resumed")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	runner := proc.NewFakeRunner()
	runner.RespondOutput("list-units", unitListing)
	ctrl := newTestController(runner)

	resume, err := ctrl.Suspend(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := countMatching(runner, "systemctl start"); got != 3 {
		t.Fatalf("double resume must not double start (%d starts)", got)
	}
}

func TestSuspendRollsBackOnStopFailure(t *testing.T) {
	runner := proc.NewFakeRunner()
	runner.RespondOutput("list-units", unitListing)
	runner.RespondExit("stop moonraker.service", 1, "Failed to stop moonraker.service")
	ctrl := newTestController(runner)

	if _, err := ctrl.Suspend(context.Background()); err == nil {
		t.Fatal("expected suspend to fail")
	}
	// klipper.service and klipper-mcu.service were stopped before the
	// failure and must be started again.
	if got := countMatching(runner, "systemctl start"); got != 2 {
		t.Fatalf("expected 2 rollback starts, got %d: %v", got, runner.CallLines())
	}
	if ctrl.Suspended() {
		t.Fatal("failed suspend must not leave the controller suspended")
	}
}

func TestStopUnitBypassesRefcount(t *testing.T) {
	runner := proc.NewFakeRunner()
	ctrl := newTestController(runner)

	if err := ctrl.StopUnit(context.Background(), "klipper-mcu.service"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.StartUnit(context.Background(), "klipper-mcu.service"); err != nil {
		t.Fatal(err)
	}
	runner.AssertCalled(t, "stop klipper-mcu.service")
	runner.AssertCalled(t, "start klipper-mcu.service")
}

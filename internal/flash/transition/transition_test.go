package transition

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/adapter"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/testutil"
)

// scriptedAdapter simulates a transport: it reports a device in a mutable
// mode and moves it between modes on successful operations.
type scriptedAdapter struct {
	transport fleet.Transport

	mu      sync.Mutex
	mode    fleet.Mode
	address string

	enterErr error
	flashErr error
	exitErr  error
	// enterSticks keeps the device in firmware mode after a "successful"
	// entry request, simulating a device that never re-enumerates.
	enterSticks bool

	enterCalls int
	flashCalls int
	exitCalls  int
}

func (s *scriptedAdapter) Transport() fleet.Transport { return s.transport }

func (s *scriptedAdapter) Discover(ctx context.Context) ([]fleet.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == fleet.ModeUnreachable {
		return nil, nil
	}
	return []fleet.Observation{{
		Transport:   s.transport,
		TransientID: s.address,
		Mode:        s.mode,
	}}, nil
}

func (s *scriptedAdapter) EnterBootloader(ctx context.Context, t adapter.Target, sink proc.LineSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enterCalls++
	if s.enterErr != nil {
		return s.enterErr
	}
	if !s.enterSticks {
		s.mode = fleet.ModeBootloader
	}
	return nil
}

func (s *scriptedAdapter) Flash(ctx context.Context, t adapter.Target, sink proc.LineSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flashCalls++
	return s.flashErr
}

func (s *scriptedAdapter) ExitBootloader(ctx context.Context, t adapter.Target, sink proc.LineSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCalls++
	if s.exitErr != nil {
		return s.exitErr
	}
	s.mode = fleet.ModeFirmware
	return nil
}

func newMachine(t *testing.T, adapters ...adapter.Adapter) *Machine {
	st := testutil.OpenStore(t)
	set := adapter.NewSet(adapters...)
	quiet := log.New(io.Discard, "", 0)
	m := NewMachine(detect.New(st, set, quiet), set, st, nil, quiet)
	m.entryWait = 500 * time.Millisecond
	m.pollInterval = 10 * time.Millisecond
	return m
}

func lastMode(t *testing.T, m *Machine, id string) fleet.Mode {
	t.Helper()
	dev, err := m.store.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	return dev.LastMode
}

func TestCycleCANHappyPath(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportCAN,
		mode:      fleet.ModeFirmware,
		address:   "aabbccddeeff",
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN, CANInterface: "can0"}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	if err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stub.enterCalls != 1 || stub.flashCalls != 1 {
		t.Fatalf("expected 1 enter + 1 flash, got %d/%d", stub.enterCalls, stub.flashCalls)
	}
	if stub.exitCalls != 0 {
		t.Fatal("CAN exit is automatic after flashing, explicit exit must not run")
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeFirmware {
		t.Fatalf("final mode = %s, want firmware", got)
	}
}

func TestCycleEntryFailureLeavesDeviceUnreachable(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportCAN,
		mode:      fleet.ModeFirmware,
		address:   "aabbccddeeff",
		enterErr:  flash.NewError(flash.KindEntryFailed, "aabbccddeeff", errors.New("complete phase: no response")),
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil)
	if flash.KindOf(err) != flash.KindEntryFailed {
		t.Fatalf("expected entry_failed, got %v", err)
	}
	if stub.flashCalls != 0 {
		t.Fatal("flash must not run after a failed entry")
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeUnreachable {
		t.Fatalf("mode = %s, want unreachable", got)
	}
}

func TestCycleEntryTimeoutLeavesDeviceUnreachable(t *testing.T) {
	stub := &scriptedAdapter{
		transport:   fleet.TransportSerial,
		mode:        fleet.ModeFirmware,
		address:     "/dev/ttyACM0",
		enterSticks: true,
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "/dev/ttyACM0", Transport: fleet.TransportSerial}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil)
	if flash.KindOf(err) != flash.KindEntryFailed {
		t.Fatalf("expected entry_failed on re-enumeration timeout, got %v", err)
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeUnreachable {
		t.Fatalf("mode = %s, want unreachable", got)
	}
}

func TestCycleFlashFailureKeepsBootloaderMode(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportCAN,
		mode:      fleet.ModeFirmware,
		address:   "aabbccddeeff",
		flashErr:  flash.NewError(flash.KindFlashFailed, "aabbccddeeff", errors.New("tool exited with code 1")),
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil)
	if flash.KindOf(err) != flash.KindFlashFailed {
		t.Fatalf("expected flash_failed, got %v", err)
	}
	// The device still answers in bootloader mode; a retry is possible.
	if got := lastMode(t, m, dev.ID); got != fleet.ModeBootloader {
		t.Fatalf("mode = %s, want bootloader", got)
	}
}

func TestCycleDFULeaveRequested(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportDFU,
		mode:      fleet.ModeBootloader,
		address:   "357236543131",
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "357236543131", Transport: fleet.TransportDFU, LeaveBootloader: true}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	if err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stub.enterCalls != 0 {
		t.Fatal("device already in bootloader, entry must be skipped")
	}
	if stub.exitCalls != 1 {
		t.Fatalf("expected leave to run, exit calls = %d", stub.exitCalls)
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeFirmware {
		t.Fatalf("mode = %s, want firmware", got)
	}
}

func TestCycleDFUStaysInBootloaderWithoutLeave(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportDFU,
		mode:      fleet.ModeBootloader,
		address:   "357236543131",
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "357236543131", Transport: fleet.TransportDFU, LeaveBootloader: false}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	if err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stub.exitCalls != 0 {
		t.Fatal("leave must not run when not requested")
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeBootloader {
		t.Fatalf("mode = %s, want bootloader", got)
	}
}

func TestCycleExitFailure(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportDFU,
		mode:      fleet.ModeBootloader,
		address:   "357236543131",
		exitErr:   flash.NewError(flash.KindExitFailed, "357236543131", errors.New("tool exited with code 74")),
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "357236543131", Transport: fleet.TransportDFU, LeaveBootloader: true}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	err := m.Cycle(ctx, dev, "/tmp/klipper.bin", nil)
	if flash.KindOf(err) != flash.KindExitFailed {
		t.Fatalf("expected exit_failed, got %v", err)
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeBootloader {
		t.Fatalf("mode = %s, want bootloader (manual intervention or exit retry)", got)
	}
}

func TestExitOnlyRetry(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportDFU,
		mode:      fleet.ModeBootloader,
		address:   "357236543131",
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "357236543131", Transport: fleet.TransportDFU, LeaveBootloader: true}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	if err := m.ExitOnly(ctx, dev, nil); err != nil {
		t.Fatalf("exit-only: %v", err)
	}
	if stub.flashCalls != 0 {
		t.Fatal("exit-only must not flash")
	}
	if got := lastMode(t, m, dev.ID); got != fleet.ModeFirmware {
		t.Fatalf("mode = %s, want firmware", got)
	}
}

func TestExitOnlyNoopWhenRunningFirmware(t *testing.T) {
	stub := &scriptedAdapter{
		transport: fleet.TransportCAN,
		mode:      fleet.ModeFirmware,
		address:   "aabbccddeeff",
	}
	m := newMachine(t, stub)
	ctx := context.Background()

	dev := fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN}
	if err := m.store.UpsertDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	if err := m.ExitOnly(ctx, dev, nil); err != nil {
		t.Fatalf("exit-only: %v", err)
	}
	if stub.exitCalls != 0 {
		t.Fatal("no exit should run for a firmware-mode device")
	}
}

package daemon

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
	daemonruntime "github.com/ModularPrintingSystem/KlipperFleet/internal/runtime"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	t.Setenv("KLIPPERFLEET_HOME", t.TempDir())

	paths, err := config.EnsureInstanceDirs()
	if err != nil {
		t.Fatalf("EnsureInstanceDirs: %v", err)
	}

	settings := config.DefaultSettings()
	settings.Listen = "127.0.0.1:0"
	return Options{Paths: paths, Settings: settings}
}

func TestDaemonStartServesAPIAndHoldsLock(t *testing.T) {
	opts := testOptions(t)

	d, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown()

	pid, err := daemonruntime.ReadPIDFile(opts.Paths.Lock)
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("lock holds pid %d, want %d", pid, os.Getpid())
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/status", d.Addr()))
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint returned %d", resp.StatusCode)
	}

	if !IsRunning() {
		t.Fatal("IsRunning = false while daemon holds the lock")
	}
}

func TestShutdownReleasesLockAndIsIdempotent(t *testing.T) {
	opts := testOptions(t)

	d, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if _, err := os.Stat(opts.Paths.Lock); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after shutdown (stat err: %v)", err)
	}
	if IsRunning() {
		t.Fatal("IsRunning = true after shutdown")
	}
}

func TestIsRunningClearsStaleLock(t *testing.T) {
	opts := testOptions(t)

	// PID that cannot belong to a live process.
	if err := daemonruntime.WritePIDFile(opts.Paths.Lock, 1<<30); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	if IsRunning() {
		t.Fatal("IsRunning = true for stale lock")
	}
	if _, err := os.Stat(opts.Paths.Lock); !os.IsNotExist(err) {
		t.Fatal("stale lock file not removed")
	}
}

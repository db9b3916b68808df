package runtime

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "daemon.lock")

	if err := WritePIDFile(pidFile, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}

	RemovePIDFile(pidFile)
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file not removed")
	}
	// Removing again is harmless.
	RemovePIDFile(pidFile)
}

func TestReadPIDFileMalformed(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.lock")
	if err := os.WriteFile(pidFile, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPIDFile(pidFile); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestWritePIDFileRequiresPath(t *testing.T) {
	if err := WritePIDFile("", 1); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLifecycleShutdownIsIdempotent(t *testing.T) {
	l := NewLifecycle()

	select {
	case <-l.Done():
		t.Fatal("Done closed before Shutdown")
	default:
	}

	l.Shutdown()
	l.Shutdown()

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

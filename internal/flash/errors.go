// Package flash defines the shared vocabulary of the flashing pipeline:
// the error taxonomy and the structured outcome adapters report.
package flash

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a flashing failure for operators and the API.
type ErrorKind string

const (
	// KindDiscoveryFailed: the transport was unreachable or a discovery
	// query failed.
	KindDiscoveryFailed ErrorKind = "discovery_failed"
	// KindEntryFailed: the bootloader entry sequence did not complete.
	KindEntryFailed ErrorKind = "entry_failed"
	// KindFlashFailed: the programming tool returned non-zero or timed out.
	KindFlashFailed ErrorKind = "flash_failed"
	// KindExitFailed: the device did not return to firmware mode.
	KindExitFailed ErrorKind = "exit_failed"
	// KindLockTimeout: a shared resource could not be acquired in time.
	KindLockTimeout ErrorKind = "lock_timeout"
	// KindBuildFailed: the external build step failed; the device was not
	// touched.
	KindBuildFailed ErrorKind = "build_failed"
	// KindBridgeUnreachable: a CAN bridge was left unreachable mid-batch.
	// Recovery needs explicit operator action; nothing automatic is safe.
	KindBridgeUnreachable ErrorKind = "bridge_unreachable"
)

// Error is a classified flashing failure carrying the last diagnostic
// output captured from the external tool, if any.
type Error struct {
	Kind       ErrorKind
	DeviceID   string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " (device %s)", e.DeviceID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified flash error.
func NewError(kind ErrorKind, deviceID string, err error) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Err: err}
}

// WithDiagnostic attaches captured tool output to the error.
func (e *Error) WithDiagnostic(diag string) *Error {
	e.Diagnostic = strings.TrimSpace(diag)
	return e
}

// KindOf extracts the error kind from err, or "" when err is not a
// classified flash error.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// DiagnosticOf extracts captured diagnostic output from err, if present.
func DiagnosticOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Diagnostic
	}
	return ""
}

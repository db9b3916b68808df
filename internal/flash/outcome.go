package flash

import "fmt"

// FailureClass describes why a tool invocation failed.
type FailureClass string

const (
	FailureNotFound  FailureClass = "not_found"
	FailureTimeout   FailureClass = "timeout"
	FailureToolError FailureClass = "tool_error"
	FailureAborted   FailureClass = "aborted"
)

// Outcome is the structured result of a single adapter operation. Adapters
// never swallow a tool's non-zero exit: a failed outcome always carries the
// exit code and the captured output.
type Outcome struct {
	OK       bool
	Class    FailureClass
	ExitCode int
	Output   string
}

// Success returns a successful outcome with optional captured output.
func Success(output string) Outcome {
	return Outcome{OK: true, Output: output}
}

// Failure returns a failed outcome of the given class.
func Failure(class FailureClass, exitCode int, output string) Outcome {
	return Outcome{Class: class, ExitCode: exitCode, Output: output}
}

// Err converts a failed outcome into a classified error of the given kind.
// A successful outcome yields nil.
func (o Outcome) Err(kind ErrorKind, deviceID string) error {
	if o.OK {
		return nil
	}
	var cause error
	switch o.Class {
	case FailureNotFound:
		cause = fmt.Errorf("device not found")
	case FailureTimeout:
		cause = fmt.Errorf("operation timed out")
	case FailureAborted:
		cause = fmt.Errorf("operation aborted")
	default:
		cause = fmt.Errorf("tool exited with code %d", o.ExitCode)
	}
	return NewError(kind, deviceID, cause).WithDiagnostic(o.Output)
}

// Package proc runs external flashing and build tools. Tools run under a
// pseudo-terminal so that carriage-return progress output (dfu-util, make)
// arrives incrementally instead of buffered, and so the full diagnostic
// text is captured for failed invocations.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	ptyDevice "github.com/creack/pty"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/procutil"
)

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// Sudo wraps the invocation in sudo; dfu-util and systemctl need it.
	Sudo bool
}

func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Result is the terminal state of a tool invocation.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// LineSink receives captured output one line at a time as it is produced.
// Lines are delivered without their terminator; carriage returns inside
// progress bars count as line boundaries.
type LineSink func(line string)

// Runner executes external tool commands. The production implementation is
// PTYRunner; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command, sink LineSink) (Result, error)
}

// ErrTimeout is returned (wrapped) when a command exceeds its timeout.
var ErrTimeout = errors.New("proc: command timed out")

const maxCaptureBytes = 1 << 20

// PTYRunner runs commands under a pseudo-terminal.
type PTYRunner struct{}

// NewPTYRunner returns the production tool runner.
func NewPTYRunner() *PTYRunner {
	return &PTYRunner{}
}

// Run executes the command, streaming output lines to sink and returning the
// captured output and exit code. A context cancellation or timeout
// terminates the process (SIGTERM, then SIGKILL after a grace period) and
// returns a wrapped ErrTimeout or the context error; the partial output is
// still returned for diagnostics.
func (r *PTYRunner) Run(ctx context.Context, cmd Command, sink LineSink) (Result, error) {
	name := cmd.Name
	args := cmd.Args
	if cmd.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	execCmd := exec.Command(name, args...)
	if cmd.Dir != "" {
		execCmd.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}

	start := time.Now()
	ptyFile, err := ptyDevice.Start(execCmd)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("proc: start %s: %w", cmd.Name, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var (
		capture  bytes.Buffer
		captureM sync.Mutex
		splitter = newLineSplitter(sink)
	)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptyFile.Read(buf)
			if n > 0 {
				captureM.Lock()
				if capture.Len()+n > maxCaptureBytes {
					capture.Next(capture.Len() + n - maxCaptureBytes)
				}
				capture.Write(buf[:n])
				captureM.Unlock()
				splitter.feed(buf[:n])
			}
			if readErr != nil {
				splitter.flush()
				return
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		<-readDone
		waitDone <- execCmd.Wait()
	}()

	finish := func(exitCode int, cause error) (Result, error) {
		captureM.Lock()
		output := capture.String()
		captureM.Unlock()
		ptyFile.Close()
		return Result{
			ExitCode: exitCode,
			Output:   output,
			Duration: time.Since(start),
		}, cause
	}

	select {
	case waitErr := <-waitDone:
		exitCode := 0
		if state := execCmd.ProcessState; state != nil {
			exitCode = state.ExitCode()
		}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return finish(-1, fmt.Errorf("proc: wait %s: %w", cmd.Name, waitErr))
		}
		return finish(exitCode, nil)

	case <-runCtx.Done():
		r.terminate(execCmd)
		ptyFile.Close()
		<-waitDone

		cause := runCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, cmd.Name)
		}
		return finish(-1, cause)
	}
}

// terminate asks the process to exit, escalating to SIGKILL.
func (r *PTYRunner) terminate(cmd *exec.Cmd) {
	proc := cmd.Process
	if proc == nil {
		return
	}
	if err := procutil.GracefulTerminate(proc); err != nil {
		proc.Kill()
		return
	}

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			proc.Kill()
			return
		case <-tick.C:
			if !procutil.IsProcessAlive(proc.Pid) {
				return
			}
		}
	}
}

// lineSplitter turns a byte stream into sink lines, treating both \n and \r
// as boundaries so progress-bar updates surface as they happen.
type lineSplitter struct {
	sink    LineSink
	pending []byte
}

func newLineSplitter(sink LineSink) *lineSplitter {
	return &lineSplitter{sink: sink}
}

func (l *lineSplitter) feed(data []byte) {
	if l.sink == nil {
		return
	}
	l.pending = append(l.pending, data...)
	for {
		idx := bytes.IndexAny(l.pending, "\r\n")
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(l.pending[:idx]), "\r\n")
		l.pending = l.pending[idx+1:]
		if line != "" {
			l.sink(line)
		}
	}
}

func (l *lineSplitter) flush() {
	if l.sink == nil || len(l.pending) == 0 {
		return
	}
	line := strings.TrimSpace(string(l.pending))
	l.pending = nil
	if line != "" {
		l.sink(line)
	}
}

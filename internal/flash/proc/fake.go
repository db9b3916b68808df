package proc

import (
	"context"
	"strings"
	"sync"
)

// FakeCall records one invocation received by a FakeRunner.
type FakeCall struct {
	Command Command
}

// FakeResponse scripts the outcome of one matched invocation.
type FakeResponse struct {
	Result Result
	Err    error
}

// FakeRunner is a scripted Runner for tests. Responses are matched by
// substring against the rendered command line; unmatched commands succeed
// with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	calls     []FakeCall
	responses map[string][]FakeResponse
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string][]FakeResponse)}
}

// Respond queues a response for commands whose rendered line contains match.
// Multiple responses for the same match are consumed in order, the last one
// repeating.
func (f *FakeRunner) Respond(match string, resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[match] = append(f.responses[match], resp)
}

// RespondOutput is shorthand for a successful response with the given output.
func (f *FakeRunner) RespondOutput(match, output string) {
	f.Respond(match, FakeResponse{Result: Result{ExitCode: 0, Output: output}})
}

// RespondExit is shorthand for a failing response with the given exit code.
func (f *FakeRunner) RespondExit(match string, exitCode int, output string) {
	f.Respond(match, FakeResponse{Result: Result{ExitCode: exitCode, Output: output}})
}

func (f *FakeRunner) Run(ctx context.Context, cmd Command, sink LineSink) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Command: cmd})
	line := cmd.String()
	var resp *FakeResponse
	for match, queue := range f.responses {
		if !strings.Contains(line, match) {
			continue
		}
		r := queue[0]
		if len(queue) > 1 {
			f.responses[match] = queue[1:]
		}
		resp = &r
		break
	}
	f.mu.Unlock()

	if resp == nil {
		return Result{ExitCode: 0}, nil
	}
	if sink != nil && resp.Result.Output != "" {
		for _, outLine := range strings.FieldsFunc(resp.Result.Output, func(r rune) bool {
			return r == '\n' || r == '\r'
		}) {
			if outLine != "" {
				sink(outLine)
			}
		}
	}
	return resp.Result, resp.Err
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRunner) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// CallLines returns the rendered command lines in invocation order.
func (f *FakeRunner) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.calls))
	for i, call := range f.calls {
		lines[i] = call.Command.String()
	}
	return lines
}

// AssertCalled fails the test if no recorded command line contains match.
func (f *FakeRunner) AssertCalled(t interface{ Fatalf(string, ...any) }, match string) {
	for _, line := range f.CallLines() {
		if strings.Contains(line, match) {
			return
		}
	}
	t.Fatalf("expected a command containing %q, got %v", match, f.CallLines())
}

var _ Runner = (*FakeRunner)(nil)

package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeRunner is a Runner that replays canned results keyed by logical
// operation and, optionally, the command's final argument (usually the
// package name). It records every call.
type FakeRunner struct {
	mu      sync.Mutex
	results map[string]fakeResult
	calls   []Command
}

type fakeResult struct {
	result Result
	err    error
}

// NewFakeRunner returns an empty FakeRunner. Unregistered operations fail.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{results: make(map[string]fakeResult)}
}

// On registers the result for op regardless of arguments.
func (f *FakeRunner) On(op Op, exitCode int, output string) *FakeRunner {
	return f.set(string(op), Result{ExitCode: exitCode, Output: output}, nil)
}

// OnTarget registers the result for op when the last argument equals target.
func (f *FakeRunner) OnTarget(op Op, target string, exitCode int, output string) *FakeRunner {
	return f.set(string(op)+"\x00"+target, Result{ExitCode: exitCode, Output: output}, nil)
}

// OnError registers an execution error for op.
func (f *FakeRunner) OnError(op Op, err error) *FakeRunner {
	return f.set(string(op), Result{ExitCode: -1}, err)
}

func (f *FakeRunner) set(key string, result Result, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = fakeResult{result: result, err: err}
	return f
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, cmd)

	if len(cmd.Args) > 0 {
		if r, ok := f.results[string(cmd.Op)+"\x00"+cmd.Args[len(cmd.Args)-1]]; ok {
			return r.result, r.err
		}
	}
	if r, ok := f.results[string(cmd.Op)]; ok {
		return r.result, r.err
	}
	return Result{ExitCode: -1}, fmt.Errorf("fake runner: no result registered for op %q (%s)", cmd.Op, strings.Join(cmd.Args, " "))
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded commands for op.
func (f *FakeRunner) CallsFor(op Op) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

package patching

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/patchext/internal/executor"
)

var (
	// ErrCommandFailed is returned when a manager exits with a code its
	// table classifies as failure.
	ErrCommandFailed = errors.New("package manager reported failure")
	// ErrNoPackageManager is returned when no supported manager is found.
	ErrNoPackageManager = errors.New("no supported package manager found")
)

// AdapterError reports a command that could not be run to completion:
// a timeout, undecodable output, or a spawn failure. It is never used for
// a manager-reported "nothing to do" or "updates available" result.
type AdapterError struct {
	Manager string
	Op      executor.Op
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Manager, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func commandFailed(manager string, op executor.Op, exitCode int, output string) error {
	return fmt.Errorf("%s %s: %w (exit code %d): %s", manager, op, ErrCommandFailed, exitCode, lastLines(output, 3))
}

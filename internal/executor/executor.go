package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/breeze-rmm/patchext/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout is the default execution timeout
	DefaultTimeout = 300 * time.Second

	// MaxTimeout is the maximum allowed execution timeout
	MaxTimeout = time.Hour

	// MaxOutputSize is the maximum size of combined output to capture
	MaxOutputSize = 1024 * 1024 // 1MB

	// waitDelay bounds how long Run waits for output pipes after a kill
	waitDelay = 5 * time.Second
)

// Op names the logical operation a command performs. Fakes key canned
// results on it instead of on the command text.
type Op string

// Command is one shell command invocation.
type Command struct {
	Op      Op
	Args    []string
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
	// Elevate prefixes the command with "sudo -n" when not running as root.
	Elevate bool
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result is the normalized outcome of a command. A non-zero ExitCode is not
// an error at this layer.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

var (
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("command timed out")
	// ErrUndecodableOutput is returned when output is not valid UTF-8 text.
	ErrUndecodableOutput = errors.New("command output is not valid text")
	// ErrEmptyCommand is returned for a command without arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// TimeoutError reports a command killed after exceeding its deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %s", e.Command, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ShellRunner runs commands as child processes in their own process group.
type ShellRunner struct {
	defaultTimeout time.Duration
	geteuid        func() int
}

// New creates a ShellRunner. A non-positive timeout selects DefaultTimeout.
func New(defaultTimeout time.Duration) *ShellRunner {
	return &ShellRunner{
		defaultTimeout: clampTimeout(defaultTimeout),
		geteuid:        os.Geteuid,
	}
}

// Run executes the command and waits for it to finish or time out.
func (r *ShellRunner) Run(ctx context.Context, command Command) (Result, error) {
	if len(command.Args) == 0 {
		return Result{ExitCode: -1}, ErrEmptyCommand
	}

	timeout := r.defaultTimeout
	if command.Timeout > 0 {
		timeout = clampTimeout(command.Timeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := r.elevate(command)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	var output bytes.Buffer
	lw := &limitedWriter{buf: &output, limit: MaxOutputSize}
	cmd.Stdout = lw
	cmd.Stderr = lw

	// Set process group so children are killed on timeout
	isolate(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay

	startTime := time.Now()
	log.Debug("running command", "op", command.Op, "command", command.String())

	err := cmd.Run()
	result := Result{Duration: time.Since(startTime)}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if killErr := killGroup(cmd); killErr != nil {
				log.Warn("failed to kill process group", "op", command.Op, "error", killErr)
			}
			log.Warn("command timed out", "op", command.Op, "timeout", timeout)
			result.ExitCode = -1
			result.Output = output.String()
			return result, &TimeoutError{Command: command.String(), Timeout: timeout}
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result.ExitCode = -1
			log.Error("command failed to start", "op", command.Op, "error", err)
			return result, fmt.Errorf("run %q: %w", command.String(), err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	captured := lw.bytes()
	if !utf8.Valid(captured) {
		result.ExitCode = -1
		return result, fmt.Errorf("run %q: %w", command.String(), ErrUndecodableOutput)
	}
	result.Output = string(captured)

	log.Debug("command completed", "op", command.Op, "exitCode", result.ExitCode, "duration", result.Duration)
	return result, nil
}

// elevate wraps the argv with sudo when the command asks for it and the
// process is not already root.
func (r *ShellRunner) elevate(command Command) []string {
	if !command.Elevate || r.geteuid() == 0 {
		return command.Args
	}
	return append([]string{"sudo", "-n"}, command.Args...)
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d < time.Second {
		return time.Second
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf       *bytes.Buffer
	limit     int
	written   int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	size := len(p)
	if w.written >= w.limit {
		// Discard additional data but don't error
		w.truncated = true
		return size, nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
		w.truncated = true
	}

	n, err = w.buf.Write(p)
	w.written += n
	return size, err // Return original length to avoid short write errors
}

// bytes returns the captured output. A rune split by truncation is dropped.
func (w *limitedWriter) bytes() []byte {
	b := w.buf.Bytes()
	if !w.truncated {
		return b
	}
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if r, size := utf8.DecodeLastRune(b); r != utf8.RuneError || size > 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return b
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)

	r := New(10 * time.Second)
	result, err := r.Run(context.Background(), Command{
		Op:   "test",
		Args: []string{"sh", "-c", "echo hello; echo oops 1>&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("expected no error for non-zero exit, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Output, "hello") || !strings.Contains(result.Output, "oops") {
		t.Fatalf("expected combined stdout and stderr, got %q", result.Output)
	}
}

func TestRunZeroExitCode(t *testing.T) {
	requireShell(t)

	result, err := New(0).Run(context.Background(), Command{Args: []string{"sh", "-c", "true"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestRunAppendsEnv(t *testing.T) {
	requireShell(t)

	result, err := New(0).Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo $PATCHEXT_PROBE"},
		Env:  []string{"PATCHEXT_PROBE=locale-pinned"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.TrimSpace(result.Output) != "locale-pinned" {
		t.Fatalf("expected env value in output, got %q", result.Output)
	}
}

func TestRunTimeoutIsTypedError(t *testing.T) {
	requireShell(t)

	r := New(time.Second)
	start := time.Now()
	result, err := r.Run(context.Background(), Command{
		Op:   "sleep",
		Args: []string{"sh", "-c", "sleep 30"},
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
	if time.Since(start) > 20*time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestRunRejectsUndecodableOutput(t *testing.T) {
	requireShell(t)

	_, err := New(0).Run(context.Background(), Command{
		Args: []string{"sh", "-c", `printf '\377\376'`},
	})
	if !errors.Is(err, ErrUndecodableOutput) {
		t.Fatalf("expected ErrUndecodableOutput, got %v", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := New(0).Run(context.Background(), Command{Args: []string{"/nonexistent/binary-xyz"}})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("spawn failure must not look like a timeout")
	}
}

func TestRunEmptyCommand(t *testing.T) {
	_, err := New(0).Run(context.Background(), Command{})
	if !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestElevateOnlyWhenNotRoot(t *testing.T) {
	r := New(0)
	cmd := Command{Args: []string{"zypper", "update"}, Elevate: true}

	r.geteuid = func() int { return 0 }
	if got := r.elevate(cmd); got[0] != "zypper" {
		t.Fatalf("root should not use sudo, got %v", got)
	}

	r.geteuid = func() int { return 1000 }
	got := r.elevate(cmd)
	if strings.Join(got, " ") != "sudo -n zypper update" {
		t.Fatalf("expected sudo wrapping, got %v", got)
	}

	cmd.Elevate = false
	if got := r.elevate(cmd); got[0] != "zypper" {
		t.Fatalf("unelevated command should not use sudo, got %v", got)
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultTimeout},
		{-time.Second, DefaultTimeout},
		{time.Millisecond, time.Second},
		{2 * time.Hour, MaxTimeout},
		{time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := clampTimeout(tt.in); got != tt.want {
			t.Errorf("clampTimeout(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLimitedWriterTruncatesWithoutShortWrite(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}

	n, err := w.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected full length reported, got %d", n)
	}
	if buf.String() != "abcd" {
		t.Fatalf("expected truncated buffer, got %q", buf.String())
	}
	if n, _ := w.Write([]byte("zz")); n != 2 {
		t.Fatalf("expected discarded write to report full length, got %d", n)
	}
}

func TestLimitedWriterDropsSplitRune(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 2}
	_, _ = w.Write([]byte("aé")) // é is two bytes

	if got := string(w.bytes()); got != "a" {
		t.Fatalf("expected split rune dropped, got %q", got)
	}
}

func TestFakeRunnerKeysOnOpAndTarget(t *testing.T) {
	f := NewFakeRunner().
		On("install", 0, "generic").
		OnTarget("install", "curl", 100, "specific")

	r, err := f.Run(context.Background(), Command{Op: "install", Args: []string{"apt-get", "install", "curl"}})
	if err != nil || r.ExitCode != 100 || r.Output != "specific" {
		t.Fatalf("unexpected targeted result: %+v, %v", r, err)
	}
	r, err = f.Run(context.Background(), Command{Op: "install", Args: []string{"apt-get", "install", "git"}})
	if err != nil || r.Output != "generic" {
		t.Fatalf("unexpected fallback result: %+v, %v", r, err)
	}
	if _, err := f.Run(context.Background(), Command{Op: "other", Args: []string{"x"}}); err == nil {
		t.Fatal("expected error for unregistered op")
	}
	if len(f.CallsFor("install")) != 2 {
		t.Fatalf("expected 2 recorded install calls, got %d", len(f.CallsFor("install")))
	}
}

// Package supervisor launches the detached patch worker and verifies it is
// alive after launch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/patchext/internal/config"
	"github.com/breeze-rmm/patchext/internal/executor"
	"github.com/breeze-rmm/patchext/internal/logging"
)

var log = logging.L("supervisor")

const (
	// EntryScript is the worker wrapper shipped next to the binary.
	EntryScript = "patch-core.sh"
	// BinaryName is the extension executable the entry script execs.
	BinaryName = "patch-extension"

	DefaultLivenessDelay = 2 * time.Second

	OpWhich executor.Op = "which"
	OpChmod executor.Op = "chmod"
)

var (
	ErrInterpreterNotFound = errors.New("no shell interpreter found")
	ErrNotLaunched         = errors.New("worker process was not launched")
	ErrNotAlive            = errors.New("worker process exited shortly after launch")
)

// Process is a handle to a launched worker.
type Process interface {
	Pid() int
	// Exited reports whether the process has terminated. It never blocks.
	Exited() bool
}

// Spawner starts a detached process. It returns a nil Process when the
// launch produced no process.
type Spawner interface {
	Spawn(argv []string, dir string) (Process, error)
}

// Killer signals a process.
type Killer interface {
	Kill(pid int) error
}

// ProcessTable answers questions about running processes.
type ProcessTable interface {
	Exists(pid int) (bool, error)
	Cmdline(pid int) (string, error)
}

// Options configures a Supervisor. Nil OS primitives select the real ones.
type Options struct {
	Runner          executor.Runner
	Spawner         Spawner
	Killer          Killer
	Table           ProcessTable
	ShellCandidates []string
	LivenessDelay   time.Duration
	// ExtensionDir holds EntryScript.
	ExtensionDir string
}

// Supervisor owns the worker process lifecycle.
type Supervisor struct {
	runner        executor.Runner
	spawner       Spawner
	killer        Killer
	table         ProcessTable
	candidates    []string
	livenessDelay time.Duration
	extensionDir  string
	sleep         func(context.Context, time.Duration) error

	mu    sync.Mutex
	shell string
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		runner:        opts.Runner,
		spawner:       opts.Spawner,
		killer:        opts.Killer,
		table:         opts.Table,
		candidates:    opts.ShellCandidates,
		livenessDelay: opts.LivenessDelay,
		extensionDir:  opts.ExtensionDir,
		sleep:         sleepContext,
	}
	if s.spawner == nil {
		s.spawner = osSpawner{}
	}
	if s.killer == nil {
		s.killer = osKiller{}
	}
	if s.table == nil {
		s.table = psTable{}
	}
	if len(s.candidates) == 0 {
		s.candidates = []string{"bash", "sh"}
	}
	if s.livenessDelay <= 0 {
		s.livenessDelay = DefaultLivenessDelay
	}
	return s
}

// ResolveShell returns the first candidate interpreter that "which"
// resolves. The first success is cached for the life of the Supervisor.
func (s *Supervisor) ResolveShell(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shell != "" {
		return s.shell, nil
	}
	for _, candidate := range s.candidates {
		res, err := s.runner.Run(ctx, executor.Command{Op: OpWhich, Args: []string{"which", candidate}})
		if err != nil {
			log.Debug("interpreter probe failed", "candidate", candidate, "error", err)
			continue
		}
		if res.ExitCode == 0 && filepath.Base(strings.TrimSpace(res.Output)) == candidate {
			s.shell = candidate
			return candidate, nil
		}
	}
	return "", ErrInterpreterNotFound
}

// WorkerArgs builds the worker command line for seq.
func (s *Supervisor) WorkerArgs(ctx context.Context, seq int, env config.Env) ([]string, error) {
	shell, err := s.ResolveShell(ctx)
	if err != nil {
		return nil, err
	}
	args := []string{shell, s.entryScript(), "core", "--seq", strconv.Itoa(seq)}
	return append(args, env.Args()...), nil
}

func (s *Supervisor) entryScript() string {
	return filepath.Join(s.extensionDir, EntryScript)
}

// StartDaemon launches the worker for seq and confirms it is still alive
// after the liveness delay. If it already exited, execute permission on the
// entry script is restored and the launch is retried once.
func (s *Supervisor) StartDaemon(ctx context.Context, seq int, settings config.PublicSettings, env config.Env) (Process, error) {
	argv, err := s.WorkerArgs(ctx, seq, env)
	if err != nil {
		return nil, err
	}
	log.Info("launching patch worker", logging.KeySequence, seq, "operation", settings.Operation, "command", strings.Join(argv, " "))

	proc, err := s.launch(ctx, argv)
	if err != nil {
		return nil, err
	}
	if s.alive(proc) {
		log.Info("patch worker running", logging.KeySequence, seq, "pid", proc.Pid())
		return proc, nil
	}

	log.Warn("patch worker exited after launch, restoring execute permission and retrying", logging.KeySequence, seq, "pid", proc.Pid())
	res, err := s.runner.Run(ctx, executor.Command{Op: OpChmod, Args: []string{"chmod", "a+x", s.entryScript()}, Elevate: true})
	if err != nil || res.ExitCode != 0 {
		log.Warn("could not set execute permission on entry script", "path", s.entryScript(), "exitCode", res.ExitCode, "error", err)
	}

	proc, err = s.launch(ctx, argv)
	if err != nil {
		return nil, err
	}
	if s.alive(proc) {
		log.Info("patch worker running after retry", logging.KeySequence, seq, "pid", proc.Pid())
		return proc, nil
	}
	log.Error("patch worker is not running", logging.KeySequence, seq)
	return nil, ErrNotAlive
}

func (s *Supervisor) launch(ctx context.Context, argv []string) (Process, error) {
	proc, err := s.spawner.Spawn(argv, s.extensionDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLaunched, err)
	}
	if proc == nil || proc.Pid() <= 0 {
		return nil, ErrNotLaunched
	}
	if err := s.sleep(ctx, s.livenessDelay); err != nil {
		return nil, err
	}
	return proc, nil
}

func (s *Supervisor) alive(proc Process) bool {
	return !proc.Exited() && s.IsProcessRunning(proc.Pid())
}

// KillProcess sends SIGTERM to pid. OS errors are returned to the caller.
func (s *Supervisor) KillProcess(pid int) error {
	if err := s.killer.Kill(pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	log.Info("terminated process", "pid", pid)
	return nil
}

// IsProcessRunning reports whether pid exists. It has no side effects.
func (s *Supervisor) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := s.table.Exists(pid)
	return err == nil && ok
}

// WorkerProcesses returns the pids that are running this extension's patch
// worker. Recorded pids reused by unrelated processes are left out.
func (s *Supervisor) WorkerProcesses(pids []int) []int {
	var workers []int
	for _, pid := range pids {
		if !s.IsProcessRunning(pid) {
			continue
		}
		cmdline, err := s.table.Cmdline(pid)
		if err != nil {
			log.Debug("could not read process command line", "pid", pid, "error", err)
			continue
		}
		if isWorkerCmdline(cmdline) {
			workers = append(workers, pid)
		}
	}
	return workers
}

func isWorkerCmdline(cmdline string) bool {
	return strings.Contains(cmdline, EntryScript) || strings.Contains(cmdline, BinaryName+" core")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package handler implements the lifecycle verbs the host invokes on the
// extension. Every verb reports through the per-sequence status file and
// returns an exit code. Errors never escape to the host as panics.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/breeze-rmm/patchext/internal/config"
	"github.com/breeze-rmm/patchext/internal/logging"
	"github.com/breeze-rmm/patchext/internal/patching"
	"github.com/breeze-rmm/patchext/internal/state"
	"github.com/breeze-rmm/patchext/internal/status"
	"github.com/breeze-rmm/patchext/internal/supervisor"
	"github.com/breeze-rmm/patchext/internal/telemetry"
)

var log = logging.L("handler")

// ExitCode is the process exit code reported to the host. Values are part of
// the host contract.
type ExitCode int

const (
	Okay          ExitCode = 0
	HandlerFailed ExitCode = 1
	MissingConfig ExitCode = 3
	BadConfig     ExitCode = 4
)

// Outcome is the result of one verb. Exit asks the caller to terminate the
// process with Code even when it is Okay.
type Outcome struct {
	Code ExitCode
	Exit bool
}

// Verb is a lifecycle command.
type Verb string

const (
	VerbInstall   Verb = "install"
	VerbEnable    Verb = "enable"
	VerbDisable   Verb = "disable"
	VerbUninstall Verb = "uninstall"
	VerbUpdate    Verb = "update"
	VerbReset     Verb = "reset"
)

const taskName = "ExtensionCoreLog"

// Supervisor manages the detached patch worker.
type Supervisor interface {
	StartDaemon(ctx context.Context, seq int, settings config.PublicSettings, env config.Env) (supervisor.Process, error)
	KillProcess(pid int) error
	WorkerProcesses(pids []int) []int
}

// Migrator carries state over from an earlier installed version.
type Migrator interface {
	Migrate(configFolder string) error
}

// Options wires a Handler. Nil fields get production defaults where one
// exists.
type Options struct {
	Env        config.Env
	Getenv     func(string) string
	Telemetry  *telemetry.Writer
	Supervisor Supervisor
	Migrator   Migrator
	// Detect identifies the package manager family during install.
	Detect func() (patching.Family, error)
	GOOS   string
	Now    func() time.Time
}

// Handler runs lifecycle verbs.
type Handler struct {
	env        config.Env
	getenv     func(string) string
	telemetry  *telemetry.Writer
	supervisor Supervisor
	migrator   Migrator
	detect     func() (patching.Family, error)
	goos       string
	now        func() time.Time

	statusWriter *status.Writer
	store        *state.Store

	// setup runs before the basic status is written.
	setup func(Verb) error

	// operationIDForAllActions correlates every non-enable verb run by this
	// process.
	operationIDForAllActions string
}

// New creates a Handler.
func New(opts Options) *Handler {
	h := &Handler{
		env:          opts.Env,
		getenv:       opts.Getenv,
		telemetry:    opts.Telemetry,
		supervisor:   opts.Supervisor,
		migrator:     opts.Migrator,
		detect:       opts.Detect,
		goos:         opts.GOOS,
		now:          opts.Now,
		statusWriter: status.NewWriter(opts.Env.StatusFolder),
		store:        state.NewStore(opts.Env.ConfigFolder),
	}
	if h.getenv == nil {
		h.getenv = os.Getenv
	}
	if h.detect == nil {
		h.detect = patching.NewDetector().Detect
	}
	if h.goos == "" {
		h.goos = runtime.GOOS
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.setup = h.defaultSetup
	h.operationIDForAllActions = h.telemetry.OperationID()
	if h.operationIDForAllActions == "" {
		h.operationIDForAllActions = telemetry.NewOperationID()
	}
	return h
}

// OperationIDForAllActions returns the correlation id shared by non-enable
// verbs.
func (h *Handler) OperationIDForAllActions() string {
	return h.operationIDForAllActions
}

// actionResult is what a verb action reports on success. Pending leaves the
// Transitioning status in place for the worker to finish.
type actionResult struct {
	Pending bool
	Exit    bool
}

// verbError carries the exit code and host-facing message for a failed verb.
type verbError struct {
	code    ExitCode
	message string
	err     error
}

func (e *verbError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *verbError) Unwrap() error { return e.err }

func fail(code ExitCode, message string, err error) error {
	return &verbError{code: code, message: message, err: err}
}

type verbAction func(h *Handler, ctx context.Context, seq int) (actionResult, error)

// verbRegistry maps verbs to their actions. It is read-only after init.
var verbRegistry = map[Verb]verbAction{
	VerbInstall:   (*Handler).install,
	VerbEnable:    (*Handler).enable,
	VerbDisable:   (*Handler).disable,
	VerbUninstall: (*Handler).uninstall,
	VerbUpdate:    (*Handler).update,
	VerbReset:     (*Handler).reset,
}

// Run executes verb. It never panics.
func (h *Handler) Run(ctx context.Context, verb Verb) (outcome Outcome) {
	action, ok := verbRegistry[verb]
	if !ok {
		log.Error("unknown verb", logging.KeyVerb, verb)
		return Outcome{Code: HandlerFailed}
	}

	seq, err := h.resolveSequence(verb)
	if err != nil {
		log.Error("sequence number could not be resolved, no status will be written", logging.KeyVerb, verb, logging.KeyError, err)
		return Outcome{Code: HandlerFailed}
	}
	vlog := logging.WithInvocation(log, seq, string(verb))

	if verb == VerbEnable {
		h.telemetry.SetOperationID(telemetry.NewOperationID())
	} else {
		h.telemetry.SetOperationID(h.operationIDForAllActions)
	}
	defer func() {
		if err := h.telemetry.Flush(); err != nil {
			vlog.Warn("telemetry flush failed", logging.KeyError, err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			vlog.Error("verb panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = h.failed(seq, verb, fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	h.telemetry.Emit(taskName, telemetry.LevelInfo, fmt.Sprintf("Extension %s started. [Sequence=%d]", verb, seq))

	if err := h.setup(verb); err != nil {
		vlog.Error("setup failed", logging.KeyError, err)
		return h.failed(seq, verb, err)
	}
	if verb == VerbEnable && h.sequenceFinished(seq) {
		vlog.Info("sequence already finished, keeping its status")
		h.telemetry.Emit(taskName, telemetry.LevelInfo, fmt.Sprintf("Extension %s skipped, sequence already finished. [Sequence=%d]", verb, seq))
		return Outcome{Code: Okay, Exit: true}
	}
	if err := h.writeBasicStatus(seq, verb); err != nil {
		vlog.Error("could not write basic status", logging.KeyError, err)
		return h.failed(seq, verb, err)
	}

	res, err := action(h, ctx, seq)
	if err != nil {
		vlog.Error("verb failed", logging.KeyError, err)
		out := h.failed(seq, verb, err)
		out.Exit = res.Exit
		return out
	}
	if !res.Pending {
		h.writeStatus(seq, status.Record{Status: status.Success})
	}

	vlog.Info("verb completed", logging.KeyDurationMs, time.Since(start).Milliseconds(), "pending", res.Pending)
	h.telemetry.Emit(taskName, telemetry.LevelInfo, fmt.Sprintf("Extension %s completed. [Sequence=%d]", verb, seq))
	return Outcome{Code: Okay, Exit: res.Exit}
}

// resolveSequence reads the host sequence number. Only enable may fall back
// to the newest settings file.
func (h *Handler) resolveSequence(verb Verb) (int, error) {
	seq, err := config.SequenceFromEnv(h.getenv)
	if err == nil {
		return seq, nil
	}
	if verb != VerbEnable {
		return 0, err
	}
	return config.LatestSettingsSequence(h.env.ConfigFolder)
}

func (h *Handler) defaultSetup(Verb) error {
	if h.env.StatusFolder == "" || h.env.ConfigFolder == "" {
		return fmt.Errorf("%w: status and config folders are required", config.ErrBadEnvironment)
	}
	if err := os.MkdirAll(h.env.StatusFolder, 0o755); err != nil {
		return fmt.Errorf("create status folder: %w", err)
	}
	return nil
}

// sequenceFinished reports whether the worker already completed seq and
// left a terminal status for it.
func (h *Handler) sequenceFinished(seq int) bool {
	core, err := h.store.ReadCore()
	if err != nil || core == nil || core.Number != seq || !core.Completed {
		return false
	}
	rec, err := h.statusWriter.Read(seq)
	return err == nil && rec.Status != status.Transitioning
}

// writeBasicStatus records that verb has started. Enable reports the
// Installation operation while the worker runs.
func (h *Handler) writeBasicStatus(seq int, verb Verb) error {
	rec := status.Record{Status: status.Transitioning}
	if verb == VerbEnable {
		rec.Operation = status.OperationInstallation
	}
	return h.statusWriter.Write(seq, rec)
}

// failed writes the terminal error status and returns its exit code.
func (h *Handler) failed(seq int, verb Verb, err error) Outcome {
	code := HandlerFailed
	message := fmt.Sprintf("Error occurred during extension %s", verb)
	var ve *verbError
	if errors.As(err, &ve) {
		code = ve.code
		message = ve.message
	}
	h.telemetry.Emit(taskName, telemetry.LevelError, fmt.Sprintf("%s [Error=%v]", message, err))
	h.writeStatus(seq, status.Record{Status: status.Error, Code: int(code), Message: message})
	return Outcome{Code: code}
}

func (h *Handler) writeStatus(seq int, rec status.Record) {
	if err := h.statusWriter.Write(seq, rec); err != nil {
		log.Error("could not write status", logging.KeySequence, seq, logging.KeyError, err)
	}
}

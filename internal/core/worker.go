// Package core is the detached patch worker launched by enable. It runs the
// operation named in the settings for one sequence number and writes the
// terminal status for it.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/patchext/internal/config"
	"github.com/breeze-rmm/patchext/internal/logging"
	"github.com/breeze-rmm/patchext/internal/patching"
	"github.com/breeze-rmm/patchext/internal/state"
	"github.com/breeze-rmm/patchext/internal/status"
	"github.com/breeze-rmm/patchext/internal/telemetry"
)

var log = logging.L("core")

const taskName = "ExtensionCoreLog"

var (
	// ErrSuperseded is returned when a newer sequence takes over mid-run.
	ErrSuperseded = errors.New("operation superseded by a newer sequence")
	// ErrMaintenanceWindowExceeded is returned when maximumDuration elapses.
	ErrMaintenanceWindowExceeded = errors.New("maintenance window exceeded")
)

// ManagerFactory builds the package manager for this machine.
type ManagerFactory func() (*patching.Manager, error)

// Options configures a Worker.
type Options struct {
	Env        config.Env
	Seq        int
	NewManager ManagerFactory
	Telemetry  *telemetry.Writer
	Now        func() time.Time
	// DisableWatch skips watching ExtState.json for a newer sequence.
	DisableWatch bool
}

// Worker runs one patch operation.
type Worker struct {
	env          config.Env
	seq          int
	newManager   ManagerFactory
	telemetry    *telemetry.Writer
	now          func() time.Time
	disableWatch bool

	store        *state.Store
	statusWriter *status.Writer
	log          *slog.Logger

	mu       sync.Mutex
	core     state.CoreSequence
	newerSeq int
}

// New creates a Worker.
func New(opts Options) *Worker {
	w := &Worker{
		env:          opts.Env,
		seq:          opts.Seq,
		newManager:   opts.NewManager,
		telemetry:    opts.Telemetry,
		now:          opts.Now,
		disableWatch: opts.DisableWatch,
		store:        state.NewStore(opts.Env.ConfigFolder),
		statusWriter: status.NewWriter(opts.Env.StatusFolder),
		log:          logging.WithInvocation(log, opts.Seq, "core"),
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Run executes the operation for the worker's sequence number. The terminal
// status is written before Run returns, whatever the outcome.
func (w *Worker) Run(ctx context.Context) (err error) {
	start := w.now()
	w.core = state.CoreSequence{
		Number:        w.seq,
		LastHeartbeat: start.UTC(),
		ProcessIDs:    []int{os.Getpid()},
	}
	if err := w.store.WriteCore(w.core); err != nil {
		w.log.Error("could not write core state", "error", err)
	}
	defer func() {
		w.core.Completed = true
		w.heartbeat()
		if ferr := w.telemetry.Flush(); ferr != nil {
			w.log.Warn("telemetry flush failed", "error", ferr)
		}
	}()

	settings, err := config.ReadSettings(w.env.ConfigFolder, w.seq)
	if err != nil {
		w.writeTerminal("", status.Error, fmt.Sprintf("Could not read settings for sequence %d", w.seq), nil)
		return err
	}
	w.core.Action = settings.Operation
	w.heartbeat()

	w.emit(telemetry.LevelInfo, fmt.Sprintf("Patch operation started. [Operation=%s][ActivityId=%s]", settings.Operation, settings.ActivityID))
	if err := w.statusWriter.Write(w.seq, status.Record{Operation: settings.Operation, Status: status.Transitioning}); err != nil {
		w.log.Warn("could not write transitioning status", "error", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d, derr := settings.MaxDuration(); derr == nil && d > 0 {
		var stopTimer context.CancelFunc
		runCtx, stopTimer = context.WithTimeoutCause(runCtx, d, ErrMaintenanceWindowExceeded)
		defer stopTimer()
	} else if derr != nil {
		w.log.Warn("ignoring invalid maximumDuration", "value", settings.MaximumDuration, "error", derr)
	}
	if !w.disableWatch {
		stop, werr := watchSupersede(runCtx, w.store, w.seq, func(newSeq int) {
			w.mu.Lock()
			w.newerSeq = newSeq
			w.mu.Unlock()
			cancel(ErrSuperseded)
		})
		if werr != nil {
			w.log.Warn("could not watch extension state, newer sequences will not stop this run", "error", werr)
		} else {
			defer stop()
		}
	}

	var rec status.Record
	switch settings.Operation {
	case config.OperationAssessment:
		rec, err = w.assess(runCtx, settings, start)
	case config.OperationInstallation:
		rec, err = w.install(runCtx, settings, start)
	default:
		w.log.Info("no package operations requested", "operation", settings.Operation)
		rec = status.Record{Status: status.Success}
	}
	rec.Operation = settings.Operation

	if err != nil && rec.Message == "" {
		rec.Message = err.Error()
	}
	w.writeTerminal(rec.Operation, rec.Status, rec.Message, rec.Substatus)
	w.emit(telemetry.LevelInfo, fmt.Sprintf("Patch operation completed. [Operation=%s][Status=%s][Duration=%s]", settings.Operation, rec.Status, w.now().Sub(start).Round(time.Second)))
	return err
}

func (w *Worker) manager() (*patching.Manager, error) {
	if w.newManager == nil {
		return nil, patching.ErrNoPackageManager
	}
	return w.newManager()
}

func (w *Worker) assess(ctx context.Context, settings config.PublicSettings, start time.Time) (status.Record, error) {
	m, err := w.manager()
	if err != nil {
		return w.failedRecord(AssessmentSummaryName, err), err
	}

	a, err := m.Assess(ctx)
	summary := assessmentSummary{
		ActivityID:    settings.ActivityID,
		RebootPending: a.RebootPending,
		Patches:       make([]patchEntry, 0, len(a.Updates)),
		StartTime:     timestamp(start),
		Errors:        []string{},
	}
	summary.CriticalAndSecurityPatchCount, summary.OtherPatchCount = a.Counts()
	for _, u := range a.Updates {
		summary.Patches = append(summary.Patches, entryFor(u, ""))
	}
	summary.LastModifiedTime = timestamp(w.now())

	rec := status.Record{Status: status.Success}
	subStatus := status.Success
	if err != nil {
		summary.Errors = errorStrings([]error{err})
		subStatus = status.Error
		// A partial listing is still reported; only a failed full listing
		// fails the operation.
		if len(a.Updates) == 0 {
			rec.Status = status.Error
		}
	}
	rec.AddSubstatus(AssessmentSummaryName, subStatus, 0, mustJSON(summary))
	w.emit(telemetry.LevelInfo, fmt.Sprintf("Assessment found %d patches. [Security=%d][Other=%d][RebootPending=%t]",
		len(a.Updates), summary.CriticalAndSecurityPatchCount, summary.OtherPatchCount, a.RebootPending))
	if rec.Status == status.Error {
		return rec, err
	}
	return rec, nil
}

func (w *Worker) install(ctx context.Context, settings config.PublicSettings, start time.Time) (status.Record, error) {
	m, err := w.manager()
	if err != nil {
		return w.failedRecord(InstallationSummaryName, err), err
	}

	a, err := m.Assess(ctx)
	if err != nil && len(a.Updates) == 0 {
		return w.failedRecord(InstallationSummaryName, err), err
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}

	selection := patching.Filter(a.Updates, patching.FilterOptions{
		Classifications: settings.ClassificationsToInclude,
		Include:         settings.PatchesToInclude,
		Exclude:         settings.PatchesToExclude,
	})

	summary := installationSummary{
		InstallationActivityID: settings.ActivityID,
		MaintenanceRunID:       settings.MaintenanceRunID,
		ExcludedPatchCount:     len(selection.Excluded),
		StartTime:              timestamp(start),
		Patches:                make([]patchEntry, 0, len(a.Updates)),
	}
	for _, u := range selection.Excluded {
		summary.Patches = append(summary.Patches, entryFor(u, patchExcluded))
	}

	var stopErr error
	for i, u := range selection.Selected {
		if cerr := ctx.Err(); cerr != nil {
			stopErr = w.stopReason(ctx)
			for _, rest := range selection.Selected[i:] {
				summary.Patches = append(summary.Patches, entryFor(rest, patchPending))
			}
			summary.PendingPatchCount = len(selection.Selected) - i
			break
		}

		res, perr := m.Patch(ctx, u.Name)
		switch {
		case perr != nil:
			errs = append(errs, fmt.Errorf("%s: %w", u.Name, perr))
			summary.FailedPatchCount++
			summary.Patches = append(summary.Patches, entryFor(u, patchFailed))
			w.emit(telemetry.LevelWarning, fmt.Sprintf("Package install failed. [Package=%s][Error=%v]", u.Name, perr))
		case res.Outcome == patching.OutcomeNoChange:
			summary.NotSelectedPatchCount++
			summary.Patches = append(summary.Patches, entryFor(u, patchNoChange))
			w.emit(telemetry.LevelVerbose, fmt.Sprintf("Package already current. [Package=%s]", u.Name))
		case res.Outcome.Succeeded():
			summary.InstalledPatchCount++
			summary.Patches = append(summary.Patches, entryFor(u, patchInstalled))
			w.emit(telemetry.LevelInfo, fmt.Sprintf("Package installed. [Package=%s][Version=%s]", u.Name, u.AvailableVersion))
		default:
			summary.FailedPatchCount++
			summary.Patches = append(summary.Patches, entryFor(u, patchFailed))
			if res.Message != "" {
				errs = append(errs, fmt.Errorf("%s: %s", u.Name, res.Message))
			}
			w.emit(telemetry.LevelWarning, fmt.Sprintf("Package install failed. [Package=%s][Outcome=%s]", u.Name, res.Outcome))
		}
		w.heartbeat()
	}
	if stopErr == nil && ctx.Err() != nil {
		stopErr = w.stopReason(ctx)
	}
	summary.MaintenanceWindowExceeded = errors.Is(stopErr, ErrMaintenanceWindowExceeded)

	rebootCtx := context.WithoutCancel(ctx)
	pending, rerr := m.PackageManager().IsRebootPending(rebootCtx)
	if rerr != nil {
		errs = append(errs, rerr)
	}
	summary.RebootStatus = rebootStatus(pending || a.RebootPending)
	summary.LastModifiedTime = timestamp(w.now())
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	summary.Errors = errorStrings(errs)

	rec := status.Record{Status: status.Success}
	subStatus := status.Success
	if summary.FailedPatchCount > 0 || stopErr != nil {
		rec.Status = status.Error
		subStatus = status.Error
	}
	rec.AddSubstatus(InstallationSummaryName, subStatus, 0, mustJSON(summary))
	if stopErr != nil {
		rec.Message = stopErr.Error()
		return rec, stopErr
	}
	if summary.FailedPatchCount > 0 {
		return rec, fmt.Errorf("%d of %d packages failed to install", summary.FailedPatchCount, len(selection.Selected))
	}
	return rec, nil
}

func (w *Worker) stopReason(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrSuperseded) {
		w.mu.Lock()
		newer := w.newerSeq
		w.mu.Unlock()
		return fmt.Errorf("%w: sequence %d", ErrSuperseded, newer)
	}
	if errors.Is(cause, ErrMaintenanceWindowExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return ErrMaintenanceWindowExceeded
	}
	return cause
}

func rebootStatus(pending bool) string {
	if pending {
		return "Required"
	}
	return "NotNeeded"
}

func (w *Worker) failedRecord(name string, err error) status.Record {
	rec := status.Record{Status: status.Error, Message: err.Error()}
	rec.AddSubstatus(name, status.Error, 0, mustJSON(map[string][]string{"errors": {err.Error()}}))
	w.emit(telemetry.LevelError, fmt.Sprintf("Patch operation failed. [Error=%v]", err))
	return rec
}

func (w *Worker) writeTerminal(operation string, st status.State, message string, subs []status.Substatus) {
	code := 0
	if st == status.Error {
		code = 1
	}
	rec := status.Record{Operation: operation, Status: st, Code: code, Message: message, Substatus: subs}
	if err := w.statusWriter.Write(w.seq, rec); err != nil {
		w.log.Error("could not write terminal status", "error", err)
	}
}

func (w *Worker) heartbeat() {
	w.core.LastHeartbeat = w.now().UTC()
	if err := w.store.WriteCore(w.core); err != nil {
		w.log.Warn("could not update core state", "error", err)
	}
}

func (w *Worker) emit(level, message string) {
	w.telemetry.Emit(taskName, level, message)
}

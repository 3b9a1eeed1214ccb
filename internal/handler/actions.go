package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/patchext/internal/config"
	"github.com/breeze-rmm/patchext/internal/state"
	"github.com/breeze-rmm/patchext/internal/updater"
)

const (
	launchFailedMessage = "Could not launch the patch worker"
	killFailedMessage   = "Could not stop the patch worker of an earlier sequence"
)

func (h *Handler) install(ctx context.Context, seq int) (actionResult, error) {
	if h.goos != "linux" {
		return actionResult{}, fmt.Errorf("unsupported operating system %q", h.goos)
	}
	family, err := h.detect()
	if err != nil {
		return actionResult{}, fmt.Errorf("validate package manager: %w", err)
	}
	log.Info("operating system validated", "packageManager", family)
	return actionResult{}, nil
}

func (h *Handler) enable(ctx context.Context, seq int) (actionResult, error) {
	done := actionResult{Exit: true}

	settings, err := config.ReadSettings(h.env.ConfigFolder, seq)
	if err != nil {
		if errors.Is(err, config.ErrSettingsNotFound) {
			return done, fail(MissingConfig, fmt.Sprintf("Configuration settings not found for sequence number %d", seq), err)
		}
		return done, fail(BadConfig, fmt.Sprintf("Configuration settings for sequence number %d are invalid", seq), err)
	}

	core, err := h.store.ReadCore()
	if err != nil {
		log.Warn("core state unreadable, treating as absent", "error", err)
		core = nil
	}
	if core != nil && !core.Completed {
		workers := h.supervisor.WorkerProcesses(core.ProcessIDs)
		if len(workers) > 0 {
			if core.Number == seq {
				log.Info("patch worker for this sequence is already running", "seq", seq, "pids", workers)
				return actionResult{Pending: true, Exit: true}, nil
			}
			for _, pid := range workers {
				if err := h.supervisor.KillProcess(pid); err != nil {
					return done, fail(HandlerFailed, killFailedMessage, err)
				}
			}
		}
	}

	ext := state.ExtSequence{
		Number:          seq,
		AchieveEnableBy: h.now().UTC(),
		Operation:       settings.Operation,
	}
	if d, err := settings.MaxDuration(); err == nil {
		ext.AchieveEnableBy = ext.AchieveEnableBy.Add(d)
	} else {
		log.Warn("maximumDuration is not a valid duration", "value", settings.MaximumDuration, "error", err)
	}
	if err := h.store.WriteExt(ext); err != nil {
		return done, err
	}

	proc, err := h.supervisor.StartDaemon(ctx, seq, settings, h.env)
	if err != nil || proc == nil {
		return done, fail(HandlerFailed, launchFailedMessage, err)
	}
	log.Info("patch worker launched", "seq", seq, "pid", proc.Pid(), "operation", settings.Operation)
	return actionResult{Pending: true, Exit: true}, nil
}

// disable leaves any running worker alone. The next enable decides what
// happens to it.
func (h *Handler) disable(ctx context.Context, seq int) (actionResult, error) {
	return actionResult{}, nil
}

func (h *Handler) uninstall(ctx context.Context, seq int) (actionResult, error) {
	return actionResult{}, h.store.Delete()
}

func (h *Handler) reset(ctx context.Context, seq int) (actionResult, error) {
	return actionResult{}, h.store.Delete()
}

func (h *Handler) update(ctx context.Context, seq int) (actionResult, error) {
	if h.migrator == nil {
		h.migrator = updater.NewMigrator()
	}
	if err := h.migrator.Migrate(h.env.ConfigFolder); err != nil {
		if errors.Is(err, updater.ErrNoEarlierVersion) {
			return actionResult{}, fail(HandlerFailed, updater.NoEarlierVersionMessage, err)
		}
		return actionResult{}, err
	}
	return actionResult{}, nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/patchext/internal/config"
	"github.com/breeze-rmm/patchext/internal/core"
	"github.com/breeze-rmm/patchext/internal/executor"
	"github.com/breeze-rmm/patchext/internal/handler"
	"github.com/breeze-rmm/patchext/internal/logging"
	"github.com/breeze-rmm/patchext/internal/patching"
	"github.com/breeze-rmm/patchext/internal/supervisor"
	"github.com/breeze-rmm/patchext/internal/telemetry"
	"github.com/breeze-rmm/patchext/internal/updater"
)

// app holds everything one process invocation shares.
type app struct {
	extensionDir string
	cfg          *config.Config
	env          config.Env
	logWriter    *logging.RotatingWriter
	telemetry    *telemetry.Writer
	runner       *executor.ShellRunner
}

func extensionDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// loadTunables loads and clamps the tunables. Warnings are returned for
// logging once the log file is open.
func loadTunables(extDir string) (*config.Config, []error, error) {
	cfg, err := config.Load(cfgFile, extDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load tunables: %w", err)
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, nil, fmt.Errorf("invalid tunables: %w", result.Err())
	}
	return cfg, result.Warnings, nil
}

// loadApp prepares a lifecycle verb invocation from HandlerEnvironment.json.
func loadApp() (*app, error) {
	extDir := extensionDir()
	cfg, warnings, err := loadTunables(extDir)
	if err != nil {
		return nil, err
	}

	envDir := handlerEnvDir
	if envDir == "" {
		envDir = filepath.Dir(extDir)
		if _, err := os.Stat(filepath.Join(envDir, config.HandlerEnvironmentFile)); err != nil {
			envDir = extDir
		}
	}
	env, err := config.LoadEnvironment(envDir)
	if err != nil {
		return nil, err
	}
	return newApp(extDir, cfg, env, warnings), nil
}

// loadCoreApp prepares the detached worker from its command-line flags.
func loadCoreApp() (*app, error) {
	extDir := extensionDir()
	cfg, warnings, err := loadTunables(extDir)
	if err != nil {
		return nil, err
	}
	env := config.Env{
		LogFolder:    coreFlags.logFolder,
		ConfigFolder: coreFlags.configFolder,
		StatusFolder: coreFlags.statusFolder,
		EventsFolder: coreFlags.eventsFolder,
	}
	return newApp(extDir, cfg, env, warnings), nil
}

func newApp(extDir string, cfg *config.Config, env config.Env, warnings []error) *app {
	a := &app{extensionDir: extDir, cfg: cfg, env: env}
	a.initLogging()
	for _, w := range warnings {
		slog.Warn("config validation", "error", w)
	}

	a.telemetry = telemetry.New(telemetry.Options{
		EventsFolder:      env.EventsFolder,
		Version:           version,
		MaxEventFiles:     cfg.TelemetryMaxEventFiles,
		MaxBufferedEvents: cfg.TelemetryMaxBufferedEvents,
		MaxMessageBytes:   cfg.TelemetryMaxMessageBytes,
	})
	logging.SetSink(a.telemetry, slog.LevelWarn)

	a.runner = executor.New(a.commandTimeout())
	return a
}

func (a *app) initLogging() {
	var out io.Writer = os.Stderr
	if a.env.LogFolder != "" {
		rw, err := logging.OpenFolder(a.env.LogFolder, a.cfg.LogMaxSizeMB, a.cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file, logging to stderr: %v\n", err)
		} else {
			a.logWriter = rw
			out = rw
			if strings.EqualFold(a.cfg.LogLevel, "debug") {
				out = logging.TeeWriter(rw, os.Stderr)
			}
		}
	}
	logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, out)
}

func (a *app) commandTimeout() time.Duration {
	return time.Duration(a.cfg.CommandTimeoutSeconds) * time.Second
}

func (a *app) newHandler() *handler.Handler {
	return handler.New(handler.Options{
		Env:       a.env,
		Telemetry: a.telemetry,
		Supervisor: supervisor.New(supervisor.Options{
			Runner:          a.runner,
			ShellCandidates: a.cfg.ShellCandidates,
			LivenessDelay:   time.Duration(a.cfg.LivenessDelayMs) * time.Millisecond,
			ExtensionDir:    a.extensionDir,
		}),
		Migrator: updater.NewMigrator(),
	})
}

func (a *app) newWorker(seq int) *core.Worker {
	return core.New(core.Options{
		Env:       a.env,
		Seq:       seq,
		Telemetry: a.telemetry,
		NewManager: func() (*patching.Manager, error) {
			return patching.NewDefaultManager(a.runner, a.commandTimeout())
		},
	})
}

func (a *app) close() {
	logging.SetSink(nil, slog.LevelWarn)
	if n := a.telemetry.Dropped(); n > 0 {
		slog.Warn("telemetry events dropped", "count", n)
	}
	if a.logWriter != nil {
		_ = a.logWriter.Close()
	}
}

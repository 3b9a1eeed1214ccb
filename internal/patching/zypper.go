//go:build linux

package patching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/patchext/internal/executor"
	"github.com/breeze-rmm/patchext/internal/logging"
)

// Zypper informational exit codes.
const (
	zypperExitErrZyppLocked      = 7
	zypperExitInfUpdateNeeded    = 100
	zypperExitInfSecUpdateNeeded = 101
	zypperExitInfRebootNeeded    = 102
	zypperExitInfRestartNeeded   = 103
	zypperExitInfCapNotFound     = 104
	zypperExitInfReposSkipped    = 106
)

var zypperExitCodes = exitTable{
	{OpListUpdates, 0}:                                    OutcomeSuccess,
	{OpListUpdates, zypperExitInfReposSkipped}:            OutcomeSuccess,
	{OpListSecurityUpdates, 0}:                            OutcomeSuccess,
	{OpListSecurityUpdates, zypperExitInfUpdateNeeded}:    OutcomeUpdatesAvailable,
	{OpListSecurityUpdates, zypperExitInfSecUpdateNeeded}: OutcomeUpdatesAvailable,
	{OpListSecurityUpdates, zypperExitInfRebootNeeded}:    OutcomeUpdatesAvailable,
	{OpListSecurityUpdates, zypperExitInfRestartNeeded}:   OutcomeUpdatesAvailable,
	{OpListSecurityUpdates, zypperExitInfReposSkipped}:    OutcomeSuccess,
	{OpSimulateInstall, 0}:                                OutcomeSuccess,
	{OpInstall, 0}:                                        OutcomeSuccess,
	{OpInstall, zypperExitInfRebootNeeded}:                OutcomeSuccess,
	{OpInstall, zypperExitInfRestartNeeded}:               OutcomeSuccess,
	{OpIsInstalled, 0}:                                    OutcomeSuccess,
	{OpIsInstalled, zypperExitInfCapNotFound}:             OutcomeNotInstalled,
	{OpRebootPending, 0}:                                  OutcomeNoChange,
	{OpRebootPending, zypperExitInfRebootNeeded}:          OutcomeUpdatesAvailable,
	{OpRebootPending, zypperExitInfRestartNeeded}:         OutcomeUpdatesAvailable,
	{OpBlockingProcesses, 0}:                              OutcomeSuccess,
}

// ZypperProvider drives zypper on SUSE-family systems.
type ZypperProvider struct {
	cmd  commander
	kill func(pid int) error
}

// NewZypperProvider creates a Zypper adapter that runs commands through runner.
func NewZypperProvider(runner executor.Runner, timeout time.Duration) *ZypperProvider {
	return &ZypperProvider{
		cmd:  commander{manager: "zypper", runner: runner, timeout: timeout},
		kill: func(pid int) error { return unix.Kill(pid, unix.SIGTERM) },
	}
}

func (z *ZypperProvider) ID() string {
	return "zypper"
}

func (z *ZypperProvider) Name() string {
	return "Zypper"
}

func (z *ZypperProvider) ListUpdates(ctx context.Context) ([]Update, error) {
	res, err := z.cmd.run(ctx, OpListUpdates, "zypper", "--non-interactive", "list-updates")
	if err != nil {
		return nil, err
	}
	if zypperExitCodes.classify(OpListUpdates, res.ExitCode) == OutcomeFailure {
		return nil, commandFailed(z.ID(), OpListUpdates, res.ExitCode, res.Output)
	}
	if res.ExitCode == zypperExitInfReposSkipped {
		log.Warn("some repositories were skipped, update list may be incomplete", logging.KeyOp, OpListUpdates)
	}

	updates := []Update{}
	for _, row := range parseTable(res.Output) {
		name := row["Name"]
		available := row["Available Version"]
		if name == "" || available == "" {
			continue
		}
		updates = append(updates, Update{
			Name:             name,
			CurrentVersion:   row["Current Version"],
			AvailableVersion: available,
			Arch:             row["Arch"],
			Repository:       row["Repository"],
		})
	}
	return updates, nil
}

// ListSecurityUpdates dry-runs the security patches and intersects the
// packages they would upgrade with the full update list.
func (z *ZypperProvider) ListSecurityUpdates(ctx context.Context) ([]Update, error) {
	res, err := z.cmd.run(ctx, OpListSecurityUpdates, "zypper", "--non-interactive", "patch", "--category", "security", "--dry-run")
	if err != nil {
		return nil, err
	}
	if zypperExitCodes.classify(OpListSecurityUpdates, res.ExitCode) == OutcomeFailure {
		return nil, commandFailed(z.ID(), OpListSecurityUpdates, res.ExitCode, res.Output)
	}
	if res.ExitCode == zypperExitInfReposSkipped {
		log.Warn("some repositories were skipped, security list may be incomplete", logging.KeyOp, OpListSecurityUpdates)
	}

	names := listAfter(res.Output, "going to be upgraded", "going to be installed")
	if len(names) == 0 {
		return []Update{}, nil
	}
	all, err := z.ListUpdates(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	security := []Update{}
	for _, u := range all {
		if wanted[u.Name] {
			u.Classification = ClassificationSecurity
			security = append(security, u)
		}
	}
	return security, nil
}

func (z *ZypperProvider) SimulateInstall(ctx context.Context, pkg string) (SimulationResult, error) {
	res, err := z.cmd.run(ctx, OpSimulateInstall, "zypper", "--non-interactive", "update", "--dry-run", pkg)
	if err != nil {
		return SimulationResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	result := SimulationResult{Package: pkg, Outcome: zypperExitCodes.classify(OpSimulateInstall, res.ExitCode)}
	switch {
	case containsAny(res.Output, "Failed to install", "Problem:"):
		result.Outcome = OutcomeFailure
		result.Message = lastLines(res.Output, 2)
	case strings.Contains(res.Output, "Nothing to do."):
		result.Outcome = OutcomeNoChange
	case result.Outcome == OutcomeSuccess:
		result.Dependencies = without(listAfter(res.Output, "going to be upgraded", "going to be installed"), pkg)
	default:
		result.Message = lastLines(res.Output, 2)
	}
	return result, nil
}

func (z *ZypperProvider) Install(ctx context.Context, pkg string) (InstallResult, error) {
	res, err := z.cmd.run(ctx, OpInstall, "zypper", "--non-interactive", "update", pkg)
	if err != nil {
		return InstallResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	result := InstallResult{
		Package:        pkg,
		Outcome:        zypperExitCodes.classify(OpInstall, res.ExitCode),
		RebootRequired: res.ExitCode == zypperExitInfRebootNeeded,
	}
	switch {
	case containsAny(res.Output, "Failed to install", "Problem:"):
		result.Outcome = OutcomeFailure
		result.Message = lastLines(res.Output, 2)
	case res.ExitCode == zypperExitErrZyppLocked:
		result.Message = "zypper is locked by another process"
	case strings.Contains(res.Output, "Nothing to do."):
		result.Outcome = OutcomeNoChange
	case result.Outcome == OutcomeFailure:
		result.Message = lastLines(res.Output, 2)
	}
	return result, nil
}

// IsInstalled reports whether any row for pkg carries the "i" status.
func (z *ZypperProvider) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := z.cmd.run(ctx, OpIsInstalled, "zypper", "search", "-s", pkg)
	if err != nil {
		return false, err
	}
	switch zypperExitCodes.classify(OpIsInstalled, res.ExitCode) {
	case OutcomeNotInstalled:
		return false, nil
	case OutcomeFailure:
		return false, commandFailed(z.ID(), OpIsInstalled, res.ExitCode, res.Output)
	}

	for _, row := range parseTable(res.Output) {
		if row["Name"] != pkg {
			continue
		}
		if s := row["S"]; s == "i" || s == "i+" {
			return true, nil
		}
	}
	return false, nil
}

func (z *ZypperProvider) IsRebootPending(ctx context.Context) (bool, error) {
	res, err := z.cmd.run(ctx, OpRebootPending, "zypper", "needs-rebooting")
	if err != nil {
		return false, err
	}
	switch zypperExitCodes.classify(OpRebootPending, res.ExitCode) {
	case OutcomeUpdatesAvailable:
		return true, nil
	case OutcomeNoChange:
		return false, nil
	}
	return false, commandFailed(z.ID(), OpRebootPending, res.ExitCode, res.Output)
}

// KillBlockingProcesses terminates lingering zypper or packagekitd
// processes that still hold deleted package files open and would keep the
// package database locked.
func (z *ZypperProvider) KillBlockingProcesses(ctx context.Context) error {
	res, err := z.cmd.run(ctx, OpBlockingProcesses, "zypper", "ps", "-s")
	if err != nil {
		return err
	}
	if zypperExitCodes.classify(OpBlockingProcesses, res.ExitCode) == OutcomeFailure {
		return commandFailed(z.ID(), OpBlockingProcesses, res.ExitCode, res.Output)
	}

	var errs []error
	for _, row := range parseTable(res.Output) {
		command := strings.TrimSuffix(row["Command"], " (deleted)")
		if command != "zypper" && command != "packagekitd" {
			continue
		}
		pid, convErr := strconv.Atoi(row["PID"])
		if convErr != nil || pid <= 0 {
			continue
		}
		log.Info("terminating process blocking zypper", "pid", pid, "command", command)
		if killErr := z.kill(pid); killErr != nil {
			errs = append(errs, fmt.Errorf("kill %s (pid %d): %w", command, pid, killErr))
		}
	}
	return errors.Join(errs...)
}

//go:build linux

package patching

import (
	"bufio"
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

// AptRebootMarker is created by update-notifier when a reboot is required.
const AptRebootMarker = "/var/run/reboot-required"

// Inst python-samba [2:4.4.5+dfsg-2ubuntu5.2] (2:4.4.5+dfsg-2ubuntu5.4 Ubuntu:16.10/yakkety-updates, Ubuntu:16.10/yakkety-security [amd64]) []
var aptInstLine = regexp.MustCompile(`^Inst\s+(\S+)\s+(?:\[([^\]]*)\]\s*)?\((\S+)\s*(.*?)\s*\[([^\]]+)\]\)`)

var aptExitCodes = exitTable{
	{OpListUpdates, 0}:     OutcomeSuccess,
	{OpSimulateInstall, 0}: OutcomeSuccess,
	{OpInstall, 0}:         OutcomeSuccess,
	{OpIsInstalled, 0}:     OutcomeSuccess,
	{OpIsInstalled, 1}:     OutcomeNotInstalled,
}

// AptProvider drives apt-get and dpkg on Debian-family systems.
type AptProvider struct {
	cmd  commander
	stat func(string) (os.FileInfo, error)
}

// NewAptProvider creates an APT adapter that runs commands through runner.
func NewAptProvider(runner executor.Runner, timeout time.Duration) *AptProvider {
	return &AptProvider{
		cmd:  commander{manager: "apt", runner: runner, timeout: timeout},
		stat: os.Stat,
	}
}

func (a *AptProvider) ID() string {
	return "apt"
}

func (a *AptProvider) Name() string {
	return "APT"
}

func (a *AptProvider) ListUpdates(ctx context.Context) ([]Update, error) {
	res, err := a.cmd.run(ctx, OpListUpdates, "apt-get", "-s", "dist-upgrade")
	if err != nil {
		return nil, err
	}
	if aptExitCodes.classify(OpListUpdates, res.ExitCode) == OutcomeFailure || hasLinePrefix(res.Output, "E:") {
		return nil, commandFailed(a.ID(), OpListUpdates, res.ExitCode, res.Output)
	}
	return parseAptInst(res.Output), nil
}

// ListSecurityUpdates returns the updates whose candidate comes from a
// -security pocket. APT has no separate listing command for them.
func (a *AptProvider) ListSecurityUpdates(ctx context.Context) ([]Update, error) {
	all, err := a.ListUpdates(ctx)
	if err != nil {
		return nil, err
	}
	security := []Update{}
	for _, u := range all {
		if u.Classification == ClassificationSecurity {
			security = append(security, u)
		}
	}
	return security, nil
}

// SimulateInstall always exits 0, so the output decides the outcome.
func (a *AptProvider) SimulateInstall(ctx context.Context, pkg string) (SimulationResult, error) {
	res, err := a.cmd.run(ctx, OpSimulateInstall, "apt-get", "-y", "--only-upgrade", "true", "-s", "install", pkg)
	if err != nil {
		return SimulationResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	result := SimulationResult{Package: pkg, Outcome: aptExitCodes.classify(OpSimulateInstall, res.ExitCode)}
	switch {
	case hasLinePrefix(res.Output, "E:") || strings.Contains(res.Output, "Unable to locate"):
		result.Outcome = OutcomeFailure
		result.Message = lastLines(res.Output, 2)
	case result.Outcome == OutcomeSuccess:
		var deps []string
		for _, u := range parseAptInst(res.Output) {
			deps = append(deps, u.Name)
		}
		if len(deps) == 0 {
			result.Outcome = OutcomeNoChange
		}
		result.Dependencies = without(deps, pkg)
	}
	return result, nil
}

func (a *AptProvider) Install(ctx context.Context, pkg string) (InstallResult, error) {
	res, err := a.cmd.run(ctx, OpInstall, "apt-get", "-y", "--only-upgrade", "true", "install", pkg)
	if err != nil {
		return InstallResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	result := InstallResult{Package: pkg, Outcome: aptExitCodes.classify(OpInstall, res.ExitCode)}
	switch {
	case strings.Contains(res.Output, "dpkg was interrupted"):
		result.Outcome = OutcomeFailure
		result.Message = "dpkg was interrupted; run 'sudo dpkg --configure -a' to repair the package database"
	case hasLinePrefix(res.Output, "E:"):
		result.Outcome = OutcomeFailure
		result.Message = lastLines(res.Output, 2)
	case result.Outcome == OutcomeFailure:
		result.Message = lastLines(res.Output, 2)
	case strings.Contains(res.Output, "is already the newest version"):
		result.Outcome = OutcomeNoChange
	}

	if result.Outcome.Succeeded() {
		result.RebootRequired, _ = a.IsRebootPending(ctx)
	}
	return result, nil
}

// IsInstalled treats dpkg's exit 1 "is not installed" as a plain false.
func (a *AptProvider) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := a.cmd.run(ctx, OpIsInstalled, "dpkg", "-s", pkg)
	if err != nil {
		return false, err
	}
	switch aptExitCodes.classify(OpIsInstalled, res.ExitCode) {
	case OutcomeSuccess:
		return strings.Contains(res.Output, "Status: install ok installed"), nil
	case OutcomeNotInstalled:
		if strings.Contains(res.Output, "is not installed") || strings.Contains(res.Output, "not-installed") {
			return false, nil
		}
	}
	return false, commandFailed(a.ID(), OpIsInstalled, res.ExitCode, res.Output)
}

// IsRebootPending checks for the reboot-required marker file.
func (a *AptProvider) IsRebootPending(context.Context) (bool, error) {
	_, err := a.stat(AptRebootMarker)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, &AdapterError{Manager: a.ID(), Op: OpRebootPending, Err: err}
}

// KillBlockingProcesses is a no-op; apt-get waits on the dpkg lock itself.
func (a *AptProvider) KillBlockingProcesses(context.Context) error {
	return nil
}

func parseAptInst(output string) []Update {
	updates := []Update{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		m := aptInstLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		u := Update{
			Name:             m[1],
			CurrentVersion:   m[2],
			AvailableVersion: m[3],
			Arch:             m[5],
		}
		sources := strings.Split(m[4], ",")
		if len(sources) > 0 {
			u.Repository = strings.TrimSpace(sources[0])
		}
		if strings.Contains(m[4], "-security") {
			u.Classification = ClassificationSecurity
		}
		updates = append(updates, u)
	}
	return updates
}

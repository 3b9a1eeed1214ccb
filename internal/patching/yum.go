//go:build linux

package patching

import (
	"bufio"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

// ---> Package selinux-policy.noarch 0:3.13.1-102.el7_3.16 will be an update
var yumDependencyLine = regexp.MustCompile(`^-+>\s*Package\s+(\S+)\s+\S+\s+will be (?:an update|installed|updated)`)

// check-update exits 100 when updates exist and 0 when there are none.
// install --assumeno exits 1 when it would change something.
// needs-restarting -r exits 1 when a reboot is required.
var yumExitCodes = exitTable{
	{OpListUpdates, 0}:           OutcomeNoChange,
	{OpListUpdates, 100}:         OutcomeUpdatesAvailable,
	{OpListSecurityUpdates, 0}:   OutcomeNoChange,
	{OpListSecurityUpdates, 100}: OutcomeUpdatesAvailable,
	{OpSimulateInstall, 0}:       OutcomeNoChange,
	{OpSimulateInstall, 1}:       OutcomeSuccess,
	{OpInstall, 0}:               OutcomeSuccess,
	{OpIsInstalled, 0}:           OutcomeSuccess,
	{OpIsInstalled, 1}:           OutcomeNotInstalled,
	{OpRebootPending, 0}:         OutcomeNoChange,
	{OpRebootPending, 1}:         OutcomeUpdatesAvailable,
}

// YumProvider integrates with dnf/yum package managers.
type YumProvider struct {
	cmd    commander
	binary string
}

// NewYumProvider creates a YUM adapter. binary is "yum" or "dnf".
func NewYumProvider(runner executor.Runner, binary string, timeout time.Duration) *YumProvider {
	if binary == "" {
		binary = "yum"
	}
	return &YumProvider{
		cmd:    commander{manager: "yum", runner: runner, timeout: timeout},
		binary: binary,
	}
}

func (y *YumProvider) ID() string {
	return "yum"
}

func (y *YumProvider) Name() string {
	return "YUM/DNF"
}

func (y *YumProvider) ListUpdates(ctx context.Context) ([]Update, error) {
	return y.checkUpdate(ctx, OpListUpdates, ClassificationOther, y.binary, "-q", "check-update")
}

func (y *YumProvider) ListSecurityUpdates(ctx context.Context) ([]Update, error) {
	return y.checkUpdate(ctx, OpListSecurityUpdates, ClassificationSecurity, y.binary, "-q", "--security", "check-update")
}

func (y *YumProvider) checkUpdate(ctx context.Context, op executor.Op, class Classification, args ...string) ([]Update, error) {
	res, err := y.cmd.run(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	switch yumExitCodes.classify(op, res.ExitCode) {
	case OutcomeNoChange:
		return []Update{}, nil
	case OutcomeUpdatesAvailable:
		updates := parseYumCheckUpdate(res.Output)
		for i := range updates {
			updates[i].Classification = class
		}
		return updates, nil
	}
	return nil, commandFailed(y.ID(), op, res.ExitCode, res.Output)
}

func (y *YumProvider) SimulateInstall(ctx context.Context, pkg string) (SimulationResult, error) {
	res, err := y.cmd.run(ctx, OpSimulateInstall, y.binary, "install", "--assumeno", "--skip-broken", pkg)
	if err != nil {
		return SimulationResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	deps := parseYumDependencies(res.Output)
	result := SimulationResult{
		Package:      pkg,
		Outcome:      yumExitCodes.classify(OpSimulateInstall, res.ExitCode),
		Dependencies: without(deps, pkg),
	}
	switch {
	case containsAny(res.Output, "No package "+pkg+" available", "Error: Nothing to do") && len(deps) == 0:
		result.Outcome = OutcomeFailure
		result.Message = lastLines(res.Output, 2)
	case len(deps) > 0 || strings.Contains(res.Output, "Exiting on user command"):
		// Some versions exit 0 after printing the transaction; the resolved
		// package list is the stronger signal.
		result.Outcome = OutcomeSuccess
	case result.Outcome == OutcomeFailure:
		result.Message = lastLines(res.Output, 2)
	}
	return result, nil
}

func (y *YumProvider) Install(ctx context.Context, pkg string) (InstallResult, error) {
	res, err := y.cmd.run(ctx, OpInstall, y.binary, "-y", "install", "--skip-broken", pkg)
	if err != nil {
		return InstallResult{Package: pkg, Outcome: OutcomeFailure}, err
	}

	result := InstallResult{Package: pkg, Outcome: yumExitCodes.classify(OpInstall, res.ExitCode)}
	switch {
	case strings.Contains(res.Output, "Nothing to do"):
		result.Outcome = OutcomeNoChange
	case strings.Contains(res.Output, "Complete!"), strings.Contains(res.Output, "obsoleted"):
		result.Outcome = OutcomeSuccess
	case result.Outcome == OutcomeFailure:
		result.Message = lastLines(res.Output, 2)
	}
	if result.Outcome == OutcomeSuccess {
		lower := strings.ToLower(res.Output)
		result.RebootRequired = strings.Contains(lower, "reboot is required")
	}
	return result, nil
}

func (y *YumProvider) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := y.cmd.run(ctx, OpIsInstalled, y.binary, "list", "installed", pkg)
	if err != nil {
		return false, err
	}
	switch yumExitCodes.classify(OpIsInstalled, res.ExitCode) {
	case OutcomeSuccess:
		for _, line := range strings.Split(res.Output, "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if name, _ := splitArch(fields[0]); name == pkg {
				return true, nil
			}
		}
		return false, nil
	case OutcomeNotInstalled:
		return false, nil
	}
	return false, commandFailed(y.ID(), OpIsInstalled, res.ExitCode, res.Output)
}

// IsRebootPending runs needs-restarting -r. Older versions exit 0 even when
// a reboot is required, so the message is checked too.
func (y *YumProvider) IsRebootPending(ctx context.Context) (bool, error) {
	args := []string{"needs-restarting", "-r"}
	if y.binary == "dnf" {
		args = []string{"dnf", "needs-restarting", "-r"}
	}
	res, err := y.cmd.run(ctx, OpRebootPending, args...)
	if err != nil {
		return false, err
	}
	if strings.Contains(res.Output, "Reboot is required") {
		return true, nil
	}
	switch yumExitCodes.classify(OpRebootPending, res.ExitCode) {
	case OutcomeUpdatesAvailable:
		return true, nil
	case OutcomeNoChange:
		return false, nil
	}
	return false, commandFailed(y.ID(), OpRebootPending, res.ExitCode, res.Output)
}

// KillBlockingProcesses is a no-op; yum serializes on its own lock.
func (y *YumProvider) KillBlockingProcesses(context.Context) error {
	return nil
}

// parseYumCheckUpdate reads "name.arch version repo" triples. Long names
// make yum wrap a row onto the next line, so fields are accumulated across
// lines until a triple is complete.
func parseYumCheckUpdate(output string) []Update {
	updates := []Update{}
	var pending []string

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Loaded plugins") || strings.HasPrefix(line, "Last metadata") ||
			strings.HasPrefix(line, "Security:") || strings.HasPrefix(line, "Loading mirror") || strings.HasPrefix(line, "*") {
			continue
		}
		if strings.HasPrefix(line, "Obsoleting") {
			break
		}

		fields := strings.Fields(line)
		if len(pending) == 0 && !strings.Contains(fields[0], ".") {
			continue
		}
		pending = append(pending, fields...)
		if len(pending) < 3 {
			continue
		}

		name, arch := splitArch(pending[0])
		updates = append(updates, Update{
			Name:             name,
			Arch:             arch,
			AvailableVersion: pending[1],
			Repository:       pending[2],
		})
		pending = nil
	}
	return updates
}

func parseYumDependencies(output string) []string {
	seen := map[string]bool{}
	var names []string
	for _, line := range strings.Split(output, "\n") {
		m := yumDependencyLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name, _ := splitArch(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

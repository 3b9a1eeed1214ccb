package patching

import (
	"context"
	"strings"
)

// Classification groups updates for filtering and reporting.
type Classification int

const (
	ClassificationOther Classification = iota
	ClassificationSecurity
)

func (c Classification) String() string {
	if c == ClassificationSecurity {
		return "Security"
	}
	return "Other"
}

// ParseClassification maps a settings classification name onto the two
// classifications the package managers can report. "Critical" has no
// distinct signal on Linux and is treated as Security.
func ParseClassification(name string) (Classification, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "critical", "security":
		return ClassificationSecurity, true
	case "other":
		return ClassificationOther, true
	}
	return ClassificationOther, false
}

// Update describes one package with a newer version available.
type Update struct {
	Name             string
	CurrentVersion   string
	AvailableVersion string
	Arch             string
	Classification   Classification
	Repository       string
}

// Outcome is the classified result of one package-manager command.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
	OutcomeNoChange
	OutcomeUpdatesAvailable
	OutcomeNotInstalled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoChange:
		return "no-change"
	case OutcomeUpdatesAvailable:
		return "updates-available"
	case OutcomeNotInstalled:
		return "not-installed"
	default:
		return "failure"
	}
}

// Succeeded reports whether the outcome counts as success for a patch pass.
// "Nothing to do" is success, not failure.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomeNoChange || o == OutcomeUpdatesAvailable
}

// SimulationResult is the outcome of a dry-run install.
type SimulationResult struct {
	Package      string
	Outcome      Outcome
	Dependencies []string
	Message      string
}

// InstallResult captures the outcome of a package installation.
type InstallResult struct {
	Package        string
	Outcome        Outcome
	RebootRequired bool
	Message        string
}

// PackageManager is implemented by each native package manager backend.
// Methods return an *AdapterError when the command itself could not be run
// to completion, and ErrCommandFailed when the manager reported a failure
// its exit-code table does not accept.
type PackageManager interface {
	ID() string
	Name() string
	ListUpdates(ctx context.Context) ([]Update, error)
	ListSecurityUpdates(ctx context.Context) ([]Update, error)
	SimulateInstall(ctx context.Context, pkg string) (SimulationResult, error)
	Install(ctx context.Context, pkg string) (InstallResult, error)
	IsInstalled(ctx context.Context, pkg string) (bool, error)
	IsRebootPending(ctx context.Context) (bool, error)
	KillBlockingProcesses(ctx context.Context) error
}

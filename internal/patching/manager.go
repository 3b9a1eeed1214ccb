package patching

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Manager runs patch-pass steps against one package manager.
type Manager struct {
	pm PackageManager
}

// NewManager creates a Manager for pm.
func NewManager(pm PackageManager) *Manager {
	return &Manager{pm: pm}
}

// PackageManager returns the underlying adapter.
func (m *Manager) PackageManager() PackageManager {
	return m.pm
}

// Assessment is the result of one assessment pass.
type Assessment struct {
	Updates       []Update
	RebootPending bool
}

// Counts returns the number of security and other updates.
func (a Assessment) Counts() (security, other int) {
	for _, u := range a.Updates {
		if u.Classification == ClassificationSecurity {
			security++
		} else {
			other++
		}
	}
	return security, other
}

// Assess lists all available updates and marks those that also appear in
// the security listing. Partial failures are returned joined alongside
// whatever could be collected.
func (m *Manager) Assess(ctx context.Context) (Assessment, error) {
	var errs []error

	all, err := m.pm.ListUpdates(ctx)
	if err != nil {
		return Assessment{}, fmt.Errorf("%s list updates: %w", m.pm.ID(), err)
	}

	security, err := m.pm.ListSecurityUpdates(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s list security updates: %w", m.pm.ID(), err))
	}
	secure := make(map[string]bool, len(security))
	for _, u := range security {
		secure[u.Name] = true
	}

	updates := make([]Update, 0, len(all))
	for _, u := range all {
		if secure[u.Name] {
			u.Classification = ClassificationSecurity
		}
		updates = append(updates, u)
	}
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })

	reboot, err := m.pm.IsRebootPending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s reboot check: %w", m.pm.ID(), err))
	}

	return Assessment{Updates: updates, RebootPending: reboot}, errors.Join(errs...)
}

// FilterOptions selects which updates a patch pass installs.
type FilterOptions struct {
	// Classifications lists settings names (Critical, Security, Other).
	// Empty selects every classification.
	Classifications []string
	// Include name globs are selected regardless of classification.
	Include []string
	// Exclude name globs are never selected.
	Exclude []string
}

// FilterResult splits updates into those to install and those excluded.
type FilterResult struct {
	Selected []Update
	Excluded []Update
}

// Filter applies classification and name rules. Exclusion wins over
// inclusion.
func Filter(updates []Update, opts FilterOptions) FilterResult {
	classes := make(map[Classification]bool)
	for _, name := range opts.Classifications {
		if c, ok := ParseClassification(name); ok {
			classes[c] = true
		}
	}

	var result FilterResult
	for _, u := range updates {
		switch {
		case matchesAny(u, opts.Exclude):
			result.Excluded = append(result.Excluded, u)
		case matchesAny(u, opts.Include):
			result.Selected = append(result.Selected, u)
		case len(classes) == 0 || classes[u.Classification]:
			result.Selected = append(result.Selected, u)
		default:
			result.Excluded = append(result.Excluded, u)
		}
	}
	return result
}

// matchesAny compares a pattern against the package name, or against
// "name=version" when the pattern pins a version.
func matchesAny(u Update, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		subject := u.Name
		if strings.Contains(p, "=") {
			subject = u.Name + "=" + u.AvailableVersion
		}
		if ok, err := path.Match(p, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// Patch simulates then installs one package. A simulation failure skips
// the install.
func (m *Manager) Patch(ctx context.Context, pkg string) (InstallResult, error) {
	sim, err := m.pm.SimulateInstall(ctx, pkg)
	if err != nil {
		return InstallResult{Package: pkg, Outcome: OutcomeFailure}, err
	}
	if !sim.Outcome.Succeeded() {
		return InstallResult{Package: pkg, Outcome: OutcomeFailure, Message: sim.Message}, nil
	}
	if sim.Outcome == OutcomeNoChange {
		return InstallResult{Package: pkg, Outcome: OutcomeNoChange}, nil
	}

	if err := m.pm.KillBlockingProcesses(ctx); err != nil {
		log.Warn("could not clear blocking processes", "manager", m.pm.ID(), "error", err)
	}
	return m.pm.Install(ctx, pkg)
}

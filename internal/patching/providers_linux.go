//go:build linux

package patching

import (
	"fmt"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

// New builds the adapter for family. DNF is preferred over YUM when both
// are on PATH.
func (d *Detector) New(family Family, runner executor.Runner, timeout time.Duration) (PackageManager, error) {
	switch family {
	case FamilyApt:
		return NewAptProvider(runner, timeout), nil
	case FamilyYum:
		binary := "yum"
		if _, err := d.LookPath("dnf"); err == nil {
			binary = "dnf"
		}
		return NewYumProvider(runner, binary, timeout), nil
	case FamilyZypper:
		return NewZypperProvider(runner, timeout), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPackageManager, family)
}

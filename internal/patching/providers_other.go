//go:build !linux

package patching

import (
	"fmt"
	"runtime"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

// New reports that no adapter exists off Linux.
func (d *Detector) New(family Family, runner executor.Runner, timeout time.Duration) (PackageManager, error) {
	return nil, fmt.Errorf("%w: %s is not supported", ErrNoPackageManager, runtime.GOOS)
}

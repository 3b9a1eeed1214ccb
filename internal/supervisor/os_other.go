//go:build !linux

package supervisor

import (
	"errors"
	"fmt"
	"runtime"
)

var errUnsupportedPlatform = fmt.Errorf("patch worker is not supported on %s: %w", runtime.GOOS, errors.ErrUnsupported)

type osSpawner struct{}

func (osSpawner) Spawn([]string, string) (Process, error) {
	return nil, errUnsupportedPlatform
}

type osKiller struct{}

func (osKiller) Kill(int) error {
	return errUnsupportedPlatform
}

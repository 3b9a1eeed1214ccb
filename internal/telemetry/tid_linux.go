//go:build linux

package telemetry

import "golang.org/x/sys/unix"

func threadID() int {
	return unix.Gettid()
}

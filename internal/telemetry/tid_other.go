//go:build !linux

package telemetry

func threadID() int {
	return 0
}

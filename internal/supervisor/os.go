//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// osProcess tracks a child started by osSpawner. The reaper goroutine
// closes done once the child has been waited on.
type osProcess struct {
	pid  int
	done chan struct{}
}

func (p *osProcess) Pid() int { return p.pid }

func (p *osProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type osSpawner struct{}

// Spawn starts argv in its own session so it survives the handler exiting.
func (osSpawner) Spawn(argv []string, dir string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn: empty command")
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spawn: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	p := &osProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type osKiller struct{}

func (osKiller) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

package supervisor

import "github.com/shirou/gopsutil/v3/process"

// psTable reads the process table through gopsutil.
type psTable struct{}

func (psTable) Exists(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

func (psTable) Cmdline(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Cmdline()
}

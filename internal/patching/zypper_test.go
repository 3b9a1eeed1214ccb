//go:build linux

package patching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

const zypperListUpdatesOutput = ` Refreshing service 'cloud_update'.
 Loading repository data...
 Reading installed packages..
S | Repository         | Name               | Current Version | Available Version | Arch
--+--------------------+--------------------+-----------------+-------------------+-------#
v | SLES12-SP2-Updates | kernel-default     | 4.4.38-93.1     | 4.4.49-92.11.1    | x86_64
v | SLES12-SP2-Updates | libgcc             | 6.45.3-4.1      | 5.60.7-8.1        | x86_64
v |  SLES12-SP2-Updates|libgoa-1_0-0 |3.20.4-7.2|    3.20.5-9.6   | x86_64
v | SLES12-SP2-Updates | libgoa-2_0-0       | 3.20.4-7.2      | 3.20.5-9.6
v | SLES12-SP2-Updates | libgoa-3_0-0
`

const zypperSecurityDryRunOutput = `Loading repository data...
Reading installed packages...
Patch 'SUSE-SLE-SERVER-12-SP2-2018-471-1' is not in the specified category.
Resolving package dependencies...

The following NEW patch is going to be installed:
  SUSE-SLE-SERVER-12-SP2-2017-1252

The following 4 packages are going to be upgraded:
  kernel-default libzypp zypper zypper-log

4 packages to upgrade.
Continue? [y/n/? shows all options] (y): y
`

const zypperSearchOutput = `Loading repository data....
Reading installed packages....

S | Name                    | Type       | Version      | Arch   | Repository
--+-------------------------+------------+--------------+--------+-------------------
v | bash                    | package    | 4.3-83.5.2   | x86_64 | SLES12-SP2-Updates
i | bash                    | package    | 4.3-78.39    | x86_64 | SLES12-SP2-Pool
  | bash                    | srcpackage | 4.3-83.5.2   | noarch | SLES12-SP2-Updates
v | systemd-bash-completion | package    | 228-150.35.1 | noarch | SLES12-SP2-Updates
`

const zypperPsOutput = `The following running processes use deleted files:

PID    | PPID  | UID  | User           | Command                     | Service
-------+-------+------+----------------+-----------------------------+-----------------
509    | 1     | 0    | root           | systemd-journald (deleted)  | systemd-journald
1209   | 1     | 497  | polkitd        | polkitd                     | polkit
4242   | 1     | 0    | root           | packagekitd                 | packagekit
4343   | 1     | 0    | root           | zypper (deleted)            |
30600  | 1     | 481  | nxautomation   | python2.7                   |

You may wish to restart these processes.
`

func TestZypperListUpdatesToleratesIrregularRows(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpListUpdates, 0, zypperListUpdatesOutput)
	updates, err := NewZypperProvider(runner, time.Minute).ListUpdates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 4 {
		t.Fatalf("expected 4 updates (truncated row skipped), got %d: %+v", len(updates), updates)
	}
	if updates[0].Name != "kernel-default" || updates[0].CurrentVersion != "4.4.38-93.1" ||
		updates[0].AvailableVersion != "4.4.49-92.11.1" || updates[0].Arch != "x86_64" {
		t.Fatalf("unexpected first row: %+v", updates[0])
	}
	if updates[2].Name != "libgoa-1_0-0" || updates[2].AvailableVersion != "3.20.5-9.6" {
		t.Fatalf("irregular spacing not tolerated: %+v", updates[2])
	}
	if updates[3].Name != "libgoa-2_0-0" || updates[3].Arch != "" {
		t.Fatalf("row without arch not tolerated: %+v", updates[3])
	}
}

func TestZypperListUpdatesWithSkippedRepositories(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpListUpdates, 106, zypperListUpdatesOutput)
	updates, err := NewZypperProvider(runner, time.Minute).ListUpdates(context.Background())
	if err != nil {
		t.Fatalf("exit 106 should not be an error: %v", err)
	}
	if len(updates) != 4 {
		t.Fatalf("expected the listed updates, got %d", len(updates))
	}

	runner = executor.NewFakeRunner().On(OpListUpdates, 6, "")
	if _, err := NewZypperProvider(runner, time.Minute).ListUpdates(context.Background()); err == nil {
		t.Fatal("exit 6 should be an error")
	}
}

func TestZypperSecurityUpdatesIntersectDryRun(t *testing.T) {
	runner := executor.NewFakeRunner().
		On(OpListSecurityUpdates, 0, zypperSecurityDryRunOutput).
		On(OpListUpdates, 0, zypperListUpdatesOutput)
	updates, err := NewZypperProvider(runner, time.Minute).ListSecurityUpdates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Name != "kernel-default" || updates[0].Classification != ClassificationSecurity {
		t.Fatalf("unexpected security updates: %+v", updates)
	}
}

func TestZypperSecurityUpdatesAcceptInformationalExitCodes(t *testing.T) {
	for _, code := range []int{100, 101, 102, 103, 106} {
		runner := executor.NewFakeRunner().
			On(OpListSecurityUpdates, code, zypperSecurityDryRunOutput).
			On(OpListUpdates, 0, zypperListUpdatesOutput)
		if _, err := NewZypperProvider(runner, time.Minute).ListSecurityUpdates(context.Background()); err != nil {
			t.Fatalf("exit %d should not be an error: %v", code, err)
		}
	}
}

func TestZypperSimulateInstall(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		outcome Outcome
		deps    int
	}{
		{"upgrade", " Resolving package dependencies...\n\n The following 2 NEW packages are going to be installed:\n   ghostscript libjasper1\n\n The following package is going to be upgraded:\n   man\n\n 1 package to upgrade, 2 new.\n", OutcomeSuccess, 2},
		{"problem", "Resolving package dependencies...\nProblem: nothing provides libfoo needed by man\n", OutcomeFailure, 0},
		{"nothing", "Loading repository data...\nNothing to do.\n", OutcomeNoChange, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := executor.NewFakeRunner().OnTarget(OpSimulateInstall, "man", 0, tt.output)
			sim, err := NewZypperProvider(runner, time.Minute).SimulateInstall(context.Background(), "man")
			if err != nil {
				t.Fatal(err)
			}
			if sim.Outcome != tt.outcome || len(sim.Dependencies) != tt.deps {
				t.Fatalf("got outcome %s deps %v", sim.Outcome, sim.Dependencies)
			}
		})
	}
}

func TestZypperInstall(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		outcome  Outcome
		reboot   bool
	}{
		{"success", 0, "(1/1) Installing: sudo-1.8.10p3-2.11.1.x86_64 ....[done]\n", OutcomeSuccess, false},
		{"reboot needed", 102, "(1/1) Installing: kernel-default ....[done]\n", OutcomeSuccess, true},
		{"locked", 7, "System management is locked by the application with pid 1234 (zypper).", OutcomeFailure, false},
		{"failed marker", 0, "Failed to install sudo\n", OutcomeFailure, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := executor.NewFakeRunner().OnTarget(OpInstall, "sudo", tt.exitCode, tt.output)
			res, err := NewZypperProvider(runner, time.Minute).Install(context.Background(), "sudo")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.outcome || res.RebootRequired != tt.reboot {
				t.Fatalf("got %+v", res)
			}
		})
	}
}

func TestZypperIsInstalledReadsStatusColumn(t *testing.T) {
	runner := executor.NewFakeRunner().
		OnTarget(OpIsInstalled, "bash", 0, zypperSearchOutput).
		OnTarget(OpIsInstalled, "systemd-bash-completion", 0, zypperSearchOutput).
		OnTarget(OpIsInstalled, "nosuch", 104, "No matching items found.")
	z := NewZypperProvider(runner, time.Minute)

	if ok, err := z.IsInstalled(context.Background(), "bash"); err != nil || !ok {
		t.Fatalf("bash: installed=%v err=%v", ok, err)
	}
	if ok, err := z.IsInstalled(context.Background(), "systemd-bash-completion"); err != nil || ok {
		t.Fatalf("systemd-bash-completion: installed=%v err=%v", ok, err)
	}
	if ok, err := z.IsInstalled(context.Background(), "nosuch"); err != nil || ok {
		t.Fatalf("nosuch: installed=%v err=%v", ok, err)
	}
}

func TestZypperRebootPending(t *testing.T) {
	for code, want := range map[int]bool{0: false, 102: true, 103: true} {
		runner := executor.NewFakeRunner().On(OpRebootPending, code, "")
		got, err := NewZypperProvider(runner, time.Minute).IsRebootPending(context.Background())
		if err != nil || got != want {
			t.Fatalf("exit %d: pending=%v err=%v", code, got, err)
		}
	}
}

func TestZypperKillBlockingProcesses(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpBlockingProcesses, 0, zypperPsOutput)
	z := NewZypperProvider(runner, time.Minute)

	var killed []int
	z.kill = func(pid int) error {
		killed = append(killed, pid)
		if pid == 4343 {
			return errors.New("operation not permitted")
		}
		return nil
	}

	err := z.KillBlockingProcesses(context.Background())
	if len(killed) != 2 || killed[0] != 4242 || killed[1] != 4343 {
		t.Fatalf("expected packagekitd and zypper to be killed, got %v", killed)
	}
	if err == nil {
		t.Fatal("kill failure must be reported")
	}
}

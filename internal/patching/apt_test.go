//go:build linux

package patching

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

const aptDistUpgradeOutput = `Inst python-samba [2:4.4.5+dfsg-2ubuntu5.2] (2:4.4.5+dfsg-2ubuntu5.4 Ubuntu:16.10/yakkety-updates, Ubuntu:16.10/yakkety-security [amd64]) []
Inst samba-common-bin [2:4.4.5+dfsg-2ubuntu5.2] (2:4.4.5+dfsg-2ubuntu5.4 Ubuntu:16.10/yakkety-updates, Ubuntu:16.10/yakkety-security [amd64]) []
Inst vim-runtime [2:7.4.052-1ubuntu3] (2:7.4.052-1ubuntu3.1 Ubuntu:14.04/trusty-updates [all]) []
Conf vim-runtime (2:7.4.052-1ubuntu3.1 Ubuntu:14.04/trusty-updates [all])
`

const aptSimulateOutput = `NOTE: This is only a simulation!
Reading package lists... Done
The following packages will be upgraded:
  vim vim-common vim-runtime vim-tiny
4 upgraded, 0 newly installed, 0 to remove and 92 not upgraded.
Inst vim [2:7.4.052-1ubuntu3] (2:7.4.052-1ubuntu3.1 Ubuntu:14.04/trusty-updates [amd64]) []
Inst vim-tiny [2:7.4.052-1ubuntu3] (2:7.4.052-1ubuntu3.1 Ubuntu:14.04/trusty-updates [amd64]) []
Inst vim-common [2:7.4.052-1ubuntu3] (2:7.4.052-1ubuntu3.1 Ubuntu:14.04/trusty-updates [amd64])
`

func newTestApt(runner executor.Runner, rebootMarker bool) *AptProvider {
	a := NewAptProvider(runner, time.Minute)
	a.stat = func(string) (os.FileInfo, error) {
		if rebootMarker {
			return nil, nil
		}
		return nil, fs.ErrNotExist
	}
	return a
}

func TestAptListUpdatesParsesInstLines(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpListUpdates, 0, aptDistUpgradeOutput)
	updates, err := newTestApt(runner, false).ListUpdates(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d: %+v", len(updates), updates)
	}

	first := updates[0]
	if first.Name != "python-samba" || first.CurrentVersion != "2:4.4.5+dfsg-2ubuntu5.2" ||
		first.AvailableVersion != "2:4.4.5+dfsg-2ubuntu5.4" || first.Arch != "amd64" {
		t.Fatalf("unexpected first update: %+v", first)
	}
	if first.Classification != ClassificationSecurity {
		t.Fatalf("expected security classification from -security pocket")
	}
	if first.Repository != "Ubuntu:16.10/yakkety-updates" {
		t.Fatalf("unexpected repository: %q", first.Repository)
	}
	if updates[2].Classification != ClassificationOther || updates[2].Arch != "all" {
		t.Fatalf("unexpected third update: %+v", updates[2])
	}

	calls := runner.CallsFor(OpListUpdates)
	if len(calls) != 1 || calls[0].String() != "apt-get -s dist-upgrade" || !calls[0].Elevate {
		t.Fatalf("unexpected command: %+v", calls)
	}
}

func TestAptListSecurityUpdatesFiltersPocket(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpListUpdates, 0, aptDistUpgradeOutput)
	updates, err := newTestApt(runner, false).ListSecurityUpdates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 security updates, got %d", len(updates))
	}
}

func TestAptListUpdatesFailure(t *testing.T) {
	runner := executor.NewFakeRunner().On(OpListUpdates, 100, "E: Could not get lock /var/lib/dpkg/lock")
	_, err := newTestApt(runner, false).ListUpdates(context.Background())
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestAptSimulateInspectsText(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		outcome Outcome
		deps    int
	}{
		{"upgrade", aptSimulateOutput, OutcomeSuccess, 2},
		{"unknown package", "Reading package lists...\nE: Unable to locate package nosuch", OutcomeFailure, 0},
		{"nothing to do", "Reading package lists...\nvim is already the newest version.\n0 upgraded", OutcomeNoChange, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := executor.NewFakeRunner().OnTarget(OpSimulateInstall, "vim", 0, tt.output)
			sim, err := newTestApt(runner, false).SimulateInstall(context.Background(), "vim")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sim.Outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s", sim.Outcome, tt.outcome)
			}
			if len(sim.Dependencies) != tt.deps {
				t.Fatalf("dependencies = %v, want %d", sim.Dependencies, tt.deps)
			}
		})
	}
}

func TestAptInstall(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		outcome  Outcome
		reboot   bool
	}{
		{"success", 0, "Setting up zlib1g:amd64 (1:1.2.8.dfsg-2ubuntu4.1) ...", OutcomeSuccess, true},
		{"dpkg interrupted", 100, "E: dpkg was interrupted, you must manually run 'sudo dpkg --configure -a' to correct the problem.", OutcomeFailure, false},
		{"error marker on exit 0", 0, "E: Sub-process /usr/bin/dpkg returned an error code (1)", OutcomeFailure, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := executor.NewFakeRunner().OnTarget(OpInstall, "zlib1g", tt.exitCode, tt.output)
			res, err := newTestApt(runner, true).Install(context.Background(), "zlib1g")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tt.outcome || res.RebootRequired != tt.reboot {
				t.Fatalf("got %+v", res)
			}
		})
	}
}

func TestAptIsInstalledTreatsExitOneAsNotInstalled(t *testing.T) {
	runner := executor.NewFakeRunner().
		OnTarget(OpIsInstalled, "mysql-server", 0, "Package: mysql-server\nStatus: install ok installed\nPriority: optional\n").
		OnTarget(OpIsInstalled, "mysql-client", 1, "dpkg-query: package 'mysql-client' is not installed and no information is available\n").
		OnTarget(OpIsInstalled, "broken", 2, "dpkg-query: error: database is locked\n")
	apt := newTestApt(runner, false)

	if ok, err := apt.IsInstalled(context.Background(), "mysql-server"); err != nil || !ok {
		t.Fatalf("mysql-server: installed=%v err=%v", ok, err)
	}
	if ok, err := apt.IsInstalled(context.Background(), "mysql-client"); err != nil || ok {
		t.Fatalf("mysql-client: installed=%v err=%v", ok, err)
	}
	if _, err := apt.IsInstalled(context.Background(), "broken"); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestAptRebootPendingUsesMarker(t *testing.T) {
	runner := executor.NewFakeRunner()
	if pending, _ := newTestApt(runner, true).IsRebootPending(context.Background()); !pending {
		t.Fatal("expected reboot pending when marker exists")
	}
	if pending, _ := newTestApt(runner, false).IsRebootPending(context.Background()); pending {
		t.Fatal("expected no reboot pending without marker")
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("reboot check should not run commands")
	}
}

func TestAdapterErrorWrapsExecutionFailures(t *testing.T) {
	timeout := &executor.TimeoutError{Command: "apt-get -s dist-upgrade", Timeout: time.Second}
	runner := executor.NewFakeRunner().
		OnError(OpListUpdates, timeout).
		OnError(OpSimulateInstall, executor.ErrUndecodableOutput)
	apt := newTestApt(runner, false)

	_, err := apt.ListUpdates(context.Background())
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || !errors.Is(err, executor.ErrTimeout) {
		t.Fatalf("expected AdapterError wrapping timeout, got %v", err)
	}
	if adapterErr.Op != OpListUpdates || adapterErr.Manager != "apt" {
		t.Fatalf("unexpected adapter error fields: %+v", adapterErr)
	}
	if errors.Is(err, ErrCommandFailed) {
		t.Fatal("execution failures must be distinct from manager-reported failures")
	}

	sim, err := apt.SimulateInstall(context.Background(), "vim")
	if !errors.As(err, &adapterErr) || !errors.Is(err, executor.ErrUndecodableOutput) {
		t.Fatalf("expected AdapterError wrapping decode failure, got %v", err)
	}
	if sim.Outcome != OutcomeFailure {
		t.Fatalf("expected failure outcome, got %s", sim.Outcome)
	}
}

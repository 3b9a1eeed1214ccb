package patching

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
	"github.com/breeze-rmm/patchext/internal/logging"
)

var log = logging.L("patching")

// Logical operations. Each adapter maps them onto its own argv and exit
// codes; test doubles key canned output on them.
const (
	OpListUpdates         executor.Op = "list-updates"
	OpListSecurityUpdates executor.Op = "list-security-updates"
	OpSimulateInstall     executor.Op = "simulate-install"
	OpInstall             executor.Op = "install"
	OpIsInstalled         executor.Op = "is-installed"
	OpRebootPending       executor.Op = "reboot-pending"
	OpBlockingProcesses   executor.Op = "blocking-processes"
)

// Package manager commands are pinned to a stable locale so text markers
// match regardless of the host's language.
var localeEnv = []string{"LANG=en_US.UTF8", "LC_ALL=C.UTF-8"}

const installTimeout = 30 * time.Minute

type exitKey struct {
	op   executor.Op
	code int
}

// exitTable maps (op, exit code) to an outcome. Anything missing is a
// failure; a non-zero code is never assumed to be one without a lookup.
type exitTable map[exitKey]Outcome

func (t exitTable) classify(op executor.Op, code int) Outcome {
	if o, ok := t[exitKey{op, code}]; ok {
		return o
	}
	return OutcomeFailure
}

// commander runs commands for one adapter and wraps execution failures.
type commander struct {
	manager string
	runner  executor.Runner
	timeout time.Duration
}

func (c commander) run(ctx context.Context, op executor.Op, args ...string) (executor.Result, error) {
	cmd := executor.Command{
		Op:      op,
		Args:    args,
		Env:     localeEnv,
		Elevate: true,
		Timeout: c.timeout,
	}
	if op == OpInstall {
		cmd.Timeout = installTimeout
	}

	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			log.Warn("package manager command timed out", "manager", c.manager, logging.KeyOp, op)
		}
		return res, &AdapterError{Manager: c.manager, Op: op, Err: err}
	}
	log.Debug("package manager command finished", "manager", c.manager, logging.KeyOp, op, "exitCode", res.ExitCode)
	return res, nil
}

func containsAny(output string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

func hasLinePrefix(output, prefix string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return true
		}
	}
	return false
}

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// splitArch splits "name.arch" on the last dot.
func splitArch(nameArch string) (string, string) {
	if idx := strings.LastIndex(nameArch, "."); idx > 0 {
		return nameArch[:idx], nameArch[idx+1:]
	}
	return nameArch, ""
}

// parseTable reads the pipe-delimited tables zypper prints. Column widths
// vary by version, so cells are located by header name. Rows may be
// truncated; missing cells are simply absent from the row map.
func parseTable(output string) []map[string]string {
	var (
		headers []string
		rows    []map[string]string
	)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		if !strings.Contains(line, "|") {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "-+") {
			continue
		}
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if headers == nil {
			headers = cells
			continue
		}
		row := make(map[string]string, len(cells))
		for i, cell := range cells {
			if i < len(headers) && headers[i] != "" {
				row[headers[i]] = cell
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// listAfter collects the whitespace-separated names that follow a line
// containing marker, up to the next blank line.
func listAfter(output string, markers ...string) []string {
	var (
		names     []string
		capturing bool
	)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if capturing {
			if line == "" || strings.HasSuffix(line, ":") || strings.Contains(line, "to upgrade") {
				capturing = false
			} else {
				names = append(names, strings.Fields(line)...)
				continue
			}
		}
		if containsAny(line, markers...) && strings.HasSuffix(line, ":") {
			capturing = true
		}
	}
	return names
}

func without(names []string, pkg string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != pkg {
			out = append(out, n)
		}
	}
	return out
}

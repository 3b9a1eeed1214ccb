package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var shellNameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop the agent from values
// that were auto-corrected or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Err joins the fatal errors, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped to safe
// values and reported as warnings. Shell candidates that could inject
// arguments into the interpreter probe are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult
	warn := func(err error) { result.Warnings = append(result.Warnings, err) }

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn(fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn(fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	c.LogMaxSizeMB = clamp(c.LogMaxSizeMB, 1, 500, "log_max_size_mb", warn)
	c.LogMaxBackups = clamp(c.LogMaxBackups, 1, 50, "log_max_backups", warn)
	c.CommandTimeoutSeconds = clamp(c.CommandTimeoutSeconds, 1, 3600, "command_timeout_seconds", warn)
	c.LivenessDelayMs = clamp(c.LivenessDelayMs, 0, 60000, "liveness_delay_ms", warn)
	c.TelemetryMaxEventFiles = clamp(c.TelemetryMaxEventFiles, 1, 10000, "telemetry_max_event_files", warn)
	c.TelemetryMaxBufferedEvents = clamp(c.TelemetryMaxBufferedEvents, 1, 100000, "telemetry_max_buffered_events", warn)
	c.TelemetryMaxMessageBytes = clamp(c.TelemetryMaxMessageBytes, 256, 65536, "telemetry_max_message_bytes", warn)

	if len(c.ShellCandidates) == 0 {
		warn(fmt.Errorf("shell_candidates is empty, using bash and sh"))
		c.ShellCandidates = []string{"bash", "sh"}
	}
	for _, name := range c.ShellCandidates {
		if !shellNameRegex.MatchString(name) {
			result.Fatals = append(result.Fatals, fmt.Errorf("shell candidate %q is not a plain program name", name))
		}
	}

	return result
}

func clamp(value, lo, hi int, key string, warn func(error)) int {
	if value < lo {
		warn(fmt.Errorf("%s %d is below minimum %d, clamping", key, value, lo))
		return lo
	}
	if value > hi {
		warn(fmt.Errorf("%s %d exceeds maximum %d, clamping", key, value, hi))
		return hi
	}
	return value
}

package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds agent tunables. Host-provided paths and per-sequence settings
// live in Env and PublicSettings; this file only controls agent behavior.
type Config struct {
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	LivenessDelayMs       int `mapstructure:"liveness_delay_ms" yaml:"liveness_delay_ms"`

	TelemetryMaxEventFiles     int `mapstructure:"telemetry_max_event_files" yaml:"telemetry_max_event_files"`
	TelemetryMaxBufferedEvents int `mapstructure:"telemetry_max_buffered_events" yaml:"telemetry_max_buffered_events"`
	TelemetryMaxMessageBytes   int `mapstructure:"telemetry_max_message_bytes" yaml:"telemetry_max_message_bytes"`

	ShellCandidates []string `mapstructure:"shell_candidates" yaml:"shell_candidates"`
}

func Default() *Config {
	return &Config{
		LogLevel:                   "info",
		LogFormat:                  "text",
		LogMaxSizeMB:               10,
		LogMaxBackups:              5,
		CommandTimeoutSeconds:      1800,
		LivenessDelayMs:            2000,
		TelemetryMaxEventFiles:     300,
		TelemetryMaxBufferedEvents: 1000,
		TelemetryMaxMessageBytes:   3072,
		ShellCandidates:            []string{"bash", "sh"},
	}
}

// Load reads tunables from cfgFile, or from patchext.yaml in extensionDir or
// /etc/patchext when cfgFile is empty. A missing file yields defaults.
// Environment variables prefixed with PATCHEXT_ override file values.
func Load(cfgFile, extensionDir string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("patchext")
		v.SetConfigType("yaml")
		if extensionDir != "" {
			v.AddConfigPath(extensionDir)
		}
		v.AddConfigPath(configDir())
	}

	v.SetEnvPrefix("PATCHEXT")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile != "" && os.IsNotExist(err)) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv applies to Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level", "log_format", "log_max_size_mb", "log_max_backups",
		"command_timeout_seconds", "liveness_delay_ms",
		"telemetry_max_event_files", "telemetry_max_buffered_events", "telemetry_max_message_bytes",
		"shell_candidates",
	} {
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	return filepath.Join("/etc", "patchext")
}

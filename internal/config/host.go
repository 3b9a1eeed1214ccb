package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// HandlerEnvironmentFile is written by the host next to the extension.
	HandlerEnvironmentFile = "HandlerEnvironment.json"

	// SequenceNumberEnvVar carries the host-assigned sequence number.
	SequenceNumberEnvVar = "ConfigSequenceNumber"

	settingsExt = ".settings"
)

// Operations a settings file may request.
const (
	OperationAssessment        = "Assessment"
	OperationInstallation      = "Installation"
	OperationConfigurePatching = "ConfigurePatching"
	OperationNoOperation       = "NoOperation"
)

var (
	ErrNoSequenceNumber = errors.New("sequence number could not be resolved")
	ErrSettingsNotFound = errors.New("settings file not found")
	ErrBadEnvironment   = errors.New("handler environment is invalid")
)

// Env is the host-provided environment descriptor.
type Env struct {
	LogFolder     string `json:"logFolder" yaml:"logFolder"`
	ConfigFolder  string `json:"configFolder" yaml:"configFolder"`
	StatusFolder  string `json:"statusFolder" yaml:"statusFolder"`
	EventsFolder  string `json:"eventsFolder" yaml:"eventsFolder"`
	HeartbeatFile string `json:"heartbeatFile,omitempty" yaml:"heartbeatFile,omitempty"`
}

type handlerEnvironmentEntry struct {
	Version            json.Number `json:"version"`
	HandlerEnvironment Env         `json:"handlerEnvironment"`
}

// LoadEnvironment reads HandlerEnvironment.json from dir.
func LoadEnvironment(dir string) (Env, error) {
	path := filepath.Join(dir, HandlerEnvironmentFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Env{}, fmt.Errorf("read %s: %w", path, err)
	}

	var entries []handlerEnvironmentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Env{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) == 0 {
		return Env{}, fmt.Errorf("%s: %w: no entries", path, ErrBadEnvironment)
	}

	env := entries[0].HandlerEnvironment
	if env.ConfigFolder == "" || env.StatusFolder == "" || env.LogFolder == "" {
		return Env{}, fmt.Errorf("%s: %w: config, status and log folders are required", path, ErrBadEnvironment)
	}
	return env, nil
}

// Args renders the environment as worker command-line flags.
func (e Env) Args() []string {
	args := []string{
		"--log-folder", e.LogFolder,
		"--config-folder", e.ConfigFolder,
		"--status-folder", e.StatusFolder,
	}
	if e.EventsFolder != "" {
		args = append(args, "--events-folder", e.EventsFolder)
	}
	return args
}

// SequenceFromEnv parses the sequence number from the host environment
// variable using getenv.
func SequenceFromEnv(getenv func(string) string) (int, error) {
	raw := strings.TrimSpace(getenv(SequenceNumberEnvVar))
	if raw == "" {
		return 0, ErrNoSequenceNumber
	}
	seq, err := strconv.Atoi(raw)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q is not a sequence number", ErrNoSequenceNumber, raw)
	}
	return seq, nil
}

// LatestSettingsSequence returns the sequence number of the most recently
// modified <n>.settings file in configFolder.
func LatestSettingsSequence(configFolder string) (int, error) {
	entries, err := os.ReadDir(configFolder)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoSequenceNumber, err)
	}

	best, found := 0, false
	var bestTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, settingsExt) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, settingsExt))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(bestTime) || (info.ModTime().Equal(bestTime) && seq > best) {
			best, bestTime, found = seq, info.ModTime(), true
		}
	}
	if !found {
		return 0, ErrNoSequenceNumber
	}
	return best, nil
}

// PublicSettings is the publicSettings block of a <seq>.settings file.
type PublicSettings struct {
	Operation                 string   `json:"operation" yaml:"operation" validate:"required,oneof=Assessment Installation ConfigurePatching NoOperation"`
	ActivityID                string   `json:"activityId" yaml:"activityId"`
	StartTime                 string   `json:"startTime" yaml:"startTime"`
	MaximumDuration           string   `json:"maximumDuration" yaml:"maximumDuration"`
	RebootSetting             string   `json:"rebootSetting" yaml:"rebootSetting" validate:"omitempty,oneof=IfRequired Never Always"`
	ClassificationsToInclude  []string `json:"classificationsToInclude" yaml:"classificationsToInclude" validate:"dive,oneof=Critical Security Other"`
	PatchesToInclude          []string `json:"patchesToInclude" yaml:"patchesToInclude" validate:"dive,required"`
	PatchesToExclude          []string `json:"patchesToExclude" yaml:"patchesToExclude" validate:"dive,required"`
	MaintenanceRunID          string   `json:"maintenanceRunId" yaml:"maintenanceRunId"`
	PatchMode                 string   `json:"patchMode" yaml:"patchMode" validate:"omitempty,oneof=ImageDefault AutomaticByPlatform"`
	AssessmentMode            string   `json:"assessmentMode" yaml:"assessmentMode" validate:"omitempty,oneof=ImageDefault AutomaticByPlatform"`
	MaximumAssessmentInterval string   `json:"maximumAssessmentInterval" yaml:"maximumAssessmentInterval"`
}

type settingsFile struct {
	RuntimeSettings []struct {
		HandlerSettings struct {
			PublicSettings PublicSettings `json:"publicSettings"`
		} `json:"handlerSettings"`
	} `json:"runtimeSettings"`
}

var settingsValidate = validator.New()

// SettingsPath returns the path of the settings file for seq.
func SettingsPath(configFolder string, seq int) string {
	return filepath.Join(configFolder, strconv.Itoa(seq)+settingsExt)
}

// ReadSettings reads and validates <configFolder>/<seq>.settings.
func ReadSettings(configFolder string, seq int) (PublicSettings, error) {
	path := SettingsPath(configFolder, seq)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PublicSettings{}, fmt.Errorf("%s: %w", path, ErrSettingsNotFound)
		}
		return PublicSettings{}, fmt.Errorf("read %s: %w", path, err)
	}

	var file settingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return PublicSettings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.RuntimeSettings) == 0 {
		return PublicSettings{}, fmt.Errorf("%s: no runtimeSettings", path)
	}

	settings := file.RuntimeSettings[0].HandlerSettings.PublicSettings
	if err := settingsValidate.Struct(settings); err != nil {
		return PublicSettings{}, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return settings, nil
}

// MaxDuration parses MaximumDuration, an ISO 8601 duration such as "PT3H30M".
// It returns zero when the field is empty.
func (s PublicSettings) MaxDuration() (time.Duration, error) {
	return ParseISODuration(s.MaximumDuration)
}

// ParseISODuration parses the time portion of an ISO 8601 duration
// (PnDTnHnMnS). Years, months and weeks are rejected.
func ParseISODuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if !strings.HasPrefix(v, "P") {
		return 0, fmt.Errorf("duration %q must start with P", v)
	}

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range v[1:] {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q: missing value before %q", v, r)
			}
			n, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", v, err)
			}
			num = ""

			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("duration %q: unsupported designator %q", v, r)
			}
			total += time.Duration(n * float64(unit))
		}
	}
	if num != "" {
		return 0, fmt.Errorf("duration %q: trailing value without designator", v)
	}
	return total, nil
}

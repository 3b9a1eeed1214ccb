// Package telemetry buffers correlated extension events and flushes them as
// JSON files into the host's events folder.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/breeze-rmm/patchext/internal/fileutil"
	"github.com/breeze-rmm/patchext/internal/logging"
	"github.com/google/uuid"
)

var log = logging.L("telemetry")

const (
	// SupportedFeaturesEnvVar lists the capabilities of the host agent.
	SupportedFeaturesEnvVar = "AZURE_GUEST_AGENT_EXTENSION_SUPPORTED_FEATURES"
	// FeatureKey must be present in SupportedFeaturesEnvVar for events to be written.
	FeatureKey = "ExtensionTelemetryPipeline"

	// NotCompatibleMessage is logged once when the host cannot receive events.
	NotCompatibleMessage = "Unsupported older Azure Linux Agent version. To resolve: http://aka.ms/UpdateLinuxAgent"

	ReasonNoSupportedFeatures = "FAILED_TO_GET_AGENT_SUPPORTED_FEATURES"
	ReasonNoTelemetryKey      = "FAILED_TO_GET_TELEMETRY_KEY"
)

// Event levels.
const (
	LevelInfo    = "Informational"
	LevelWarning = "Warning"
	LevelError   = "Error"
	LevelVerbose = "Verbose"
)

// Event is one telemetry record. Field names follow the host's event schema.
type Event struct {
	Version     string `json:"Version"`
	Timestamp   string `json:"Timestamp"`
	TaskName    string `json:"TaskName"`
	EventLevel  string `json:"EventLevel"`
	Message     string `json:"Message"`
	EventPid    int    `json:"EventPid"`
	EventTid    int    `json:"EventTid"`
	OperationID string `json:"OperationId"`
}

// Options configures a Writer.
type Options struct {
	EventsFolder      string
	Version           string
	MaxEventFiles     int
	MaxBufferedEvents int
	MaxMessageBytes   int
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Writer buffers events in memory and flushes them to the events folder.
// All methods are safe to call on a nil receiver (no-op).
type Writer struct {
	mu          sync.Mutex
	opts        Options
	supported   bool
	reason      string
	operationID string
	buffer      []Event
	dropped     atomic.Int64
	now         func() time.Time
	seq         int
}

type supportedFeature struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// New creates a Writer. Host support is decided here, once, from the
// supported-features environment variable.
func New(opts Options) *Writer {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.MaxEventFiles <= 0 {
		opts.MaxEventFiles = 300
	}
	if opts.MaxBufferedEvents <= 0 {
		opts.MaxBufferedEvents = 1000
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 3072
	}

	w := &Writer{
		opts:        opts,
		operationID: NewOperationID(),
		now:         time.Now,
	}
	w.supported, w.reason = checkSupport(opts.Getenv(SupportedFeaturesEnvVar))
	if !w.supported {
		log.Error(NotCompatibleMessage, "reason", w.reason)
	}
	return w
}

func checkSupport(raw string) (bool, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, ReasonNoSupportedFeatures
	}

	var features []supportedFeature
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return false, ReasonNoTelemetryKey
	}
	for _, f := range features {
		if f.Key == FeatureKey {
			return true, ""
		}
	}
	return false, ReasonNoTelemetryKey
}

// NewOperationID returns a fresh correlation id.
func NewOperationID() string {
	return uuid.New().String()
}

// Supported reports whether events will be written.
func (w *Writer) Supported() bool {
	if w == nil {
		return false
	}
	return w.supported
}

// Reason returns the status code explaining why telemetry is disabled.
func (w *Writer) Reason() string {
	if w == nil {
		return ""
	}
	return w.reason
}

// OperationID returns the correlation id stamped on new events.
func (w *Writer) OperationID() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.operationID
}

// SetOperationID switches the correlation id for subsequent events.
func (w *Writer) SetOperationID(id string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.operationID = id
}

// Dropped returns how many events were discarded.
func (w *Writer) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Emit buffers one event. When the buffer is full the oldest event is
// dropped.
func (w *Writer) Emit(taskName, level, message string) {
	if w == nil || !w.supported {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(message) > w.opts.MaxMessageBytes {
		message = truncate(message, w.opts.MaxMessageBytes)
	}

	if len(w.buffer) >= w.opts.MaxBufferedEvents {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}

	w.buffer = append(w.buffer, Event{
		Version:     w.opts.Version,
		Timestamp:   w.now().UTC().Format(time.RFC3339Nano),
		TaskName:    taskName,
		EventLevel:  level,
		Message:     message,
		EventPid:    os.Getpid(),
		EventTid:    threadID(),
		OperationID: w.operationID,
	})
}

// Flush writes buffered events as one JSON array file. The events folder is
// created when missing. Old event files beyond MaxEventFiles are removed,
// oldest first.
func (w *Writer) Flush() error {
	if w == nil || !w.supported {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffer) == 0 {
		return nil
	}
	if w.opts.EventsFolder == "" {
		w.dropped.Add(int64(len(w.buffer)))
		w.buffer = nil
		return fmt.Errorf("events folder is not set")
	}

	if err := os.MkdirAll(w.opts.EventsFolder, 0o700); err != nil {
		return fmt.Errorf("create events folder: %w", err)
	}

	path := w.nextFilePath()
	if err := fileutil.WriteJSONAtomic(path, w.buffer, 0o600); err != nil {
		log.Error("failed to write telemetry events", "path", path, "error", err)
		return err
	}
	log.Debug("telemetry events flushed", "path", path, "count", len(w.buffer))
	w.buffer = nil

	w.prune()
	return nil
}

func (w *Writer) nextFilePath() string {
	for {
		w.seq++
		name := fmt.Sprintf("%d%03d.json", w.now().UnixNano(), w.seq%1000)
		path := filepath.Join(w.opts.EventsFolder, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

func (w *Writer) prune() {
	files, err := filepath.Glob(filepath.Join(w.opts.EventsFolder, "*.json"))
	if err != nil || len(files) <= w.opts.MaxEventFiles {
		return
	}

	type fileAge struct {
		path string
		mod  time.Time
	}
	aged := make([]fileAge, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		aged = append(aged, fileAge{path: f, mod: info.ModTime()})
	}
	sort.Slice(aged, func(i, j int) bool {
		if aged[i].mod.Equal(aged[j].mod) {
			return aged[i].path < aged[j].path
		}
		return aged[i].mod.Before(aged[j].mod)
	})

	if len(aged) <= w.opts.MaxEventFiles {
		return
	}
	for _, f := range aged[:len(aged)-w.opts.MaxEventFiles] {
		if err := os.Remove(f.path); err != nil {
			log.Warn("failed to remove old event file", "path", f.path, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	const marker = "...[truncated]"
	if len(s) <= max {
		return s
	}
	if max <= len(marker) {
		return s[:runeBoundary(s, max)]
	}
	return s[:runeBoundary(s, max-len(marker))] + marker
}

// runeBoundary backs n off so s[:n] does not split a UTF-8 sequence.
func runeBoundary(s string, n int) int {
	if n <= 0 {
		return 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

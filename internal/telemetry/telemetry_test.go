package telemetry

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/breeze-rmm/patchext/internal/logging"
)

const supportedFeatures = `[{"Key": "ExtensionTelemetryPipeline", "Value": "1.0"}]`

func envWith(value string) func(string) string {
	return func(name string) string {
		if name == SupportedFeaturesEnvVar {
			return value
		}
		return ""
	}
}

func readEvents(t *testing.T, folder string) [][]Event {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(folder, "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	var all [][]Event
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			t.Fatalf("event file %s is not a JSON array: %v", f, err)
		}
		all = append(all, events)
	}
	return all
}

func TestGatingEnvVarMissing(t *testing.T) {
	var buf bytes.Buffer
	logging.Init("text", "info", &buf)

	w := New(Options{EventsFolder: t.TempDir(), Getenv: envWith("")})
	if w.Supported() {
		t.Fatal("telemetry must be disabled without the env var")
	}
	if w.Reason() != ReasonNoSupportedFeatures {
		t.Fatalf("reason = %q", w.Reason())
	}

	out := buf.String()
	if !strings.Contains(out, NotCompatibleMessage) || !strings.Contains(out, ReasonNoSupportedFeatures) {
		t.Fatalf("expected compatibility diagnostic in log, got: %s", out)
	}
}

func TestGatingKeyMissing(t *testing.T) {
	for _, value := range []string{"[]", `[{"Key":"Other","Value":"1"}]`, "not json"} {
		var buf bytes.Buffer
		logging.Init("text", "info", &buf)

		w := New(Options{EventsFolder: t.TempDir(), Getenv: envWith(value)})
		if w.Supported() {
			t.Fatalf("telemetry must be disabled for %q", value)
		}
		if w.Reason() != ReasonNoTelemetryKey {
			t.Fatalf("reason for %q = %q", value, w.Reason())
		}
		if !strings.Contains(buf.String(), ReasonNoTelemetryKey) {
			t.Fatalf("expected key diagnostic in log for %q", value)
		}
	}
}

func TestDisabledWriterIsNoOp(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{EventsFolder: dir, Getenv: envWith("")})
	w.Emit("Handler", LevelInfo, "ignored")
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush on disabled writer: %v", err)
	}
	if files := readEvents(t, dir); len(files) != 0 {
		t.Fatalf("expected no event files, got %d", len(files))
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Emit("x", LevelInfo, "y")
	w.SetOperationID("id")
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if w.Supported() || w.OperationID() != "" || w.Dropped() != 0 {
		t.Fatal("nil writer should report zero values")
	}
}

func TestFlushCreatesMissingFolderAndStampsOperationID(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "events", "nested")
	w := New(Options{EventsFolder: folder, Version: "1.6.35", Getenv: envWith(supportedFeatures)})
	if !w.Supported() {
		t.Fatal("expected telemetry to be supported")
	}

	w.Emit("Uninstall", LevelInfo, "started")
	w.Emit("Uninstall", LevelInfo, "completed")
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files := readEvents(t, folder)
	if len(files) != 1 || len(files[0]) != 2 {
		t.Fatalf("expected one file with two events, got %v", files)
	}
	for _, e := range files[0] {
		if e.OperationID != w.OperationID() {
			t.Fatalf("event operation id %q != writer id %q", e.OperationID, w.OperationID())
		}
		if e.Version != "1.6.35" || e.EventPid != os.Getpid() {
			t.Fatalf("unexpected event metadata: %+v", e)
		}
	}
}

func TestSetOperationIDAppliesToLaterEvents(t *testing.T) {
	folder := t.TempDir()
	w := New(Options{EventsFolder: folder, Getenv: envWith(supportedFeatures)})
	first := w.OperationID()

	w.Emit("Disable", LevelInfo, "a")
	w.SetOperationID(NewOperationID())
	w.Emit("Enable", LevelInfo, "b")
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, folder)[0]
	if events[0].OperationID != first {
		t.Fatal("first event should keep the original id")
	}
	if events[1].OperationID == first || events[1].OperationID == "" {
		t.Fatal("second event should carry the new id")
	}
}

func TestEmitDropsOldestWhenBufferFull(t *testing.T) {
	folder := t.TempDir()
	w := New(Options{EventsFolder: folder, MaxBufferedEvents: 2, Getenv: envWith(supportedFeatures)})

	w.Emit("t", LevelInfo, "one")
	w.Emit("t", LevelInfo, "two")
	w.Emit("t", LevelInfo, "three")
	if w.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", w.Dropped())
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, folder)[0]
	if len(events) != 2 || events[0].Message != "two" || events[1].Message != "three" {
		t.Fatalf("expected newest two events, got %+v", events)
	}
}

func TestEmitTruncatesLongMessages(t *testing.T) {
	folder := t.TempDir()
	w := New(Options{EventsFolder: folder, MaxMessageBytes: 64, Getenv: envWith(supportedFeatures)})
	w.Emit("t", LevelInfo, strings.Repeat("x", 500))
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	msg := readEvents(t, folder)[0][0].Message
	if len(msg) > 64 || !strings.HasSuffix(msg, "[truncated]") {
		t.Fatalf("unexpected truncated message (%d bytes): %q", len(msg), msg)
	}
}

func TestFlushPrunesOldestFiles(t *testing.T) {
	folder := t.TempDir()
	w := New(Options{EventsFolder: folder, MaxEventFiles: 2, Getenv: envWith(supportedFeatures)})

	stale := filepath.Join(folder, "1000.json")
	if err := os.WriteFile(stale, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		w.Emit("t", LevelInfo, "batch")
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(readEvents(t, folder)); n != 2 {
		t.Fatalf("expected 2 event files after pruning, got %d", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("oldest event file should have been pruned first")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 20)
	got := truncate(s, 20)
	if len(got) > 20 {
		t.Fatalf("truncated length %d exceeds limit", len(got))
	}
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("missing marker: %q", got)
	}
	if strings.ContainsRune(got, '�') {
		t.Fatalf("rune split: %q", got)
	}
}

func TestTruncateBelowMarkerLength(t *testing.T) {
	for _, max := range []int{0, 1, 2, 3, 5, 13} {
		got := truncate(strings.Repeat("日本", 10), max)
		if len(got) > max {
			t.Fatalf("max %d: length %d exceeds limit", max, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("max %d: rune split: %q", max, got)
		}
	}
	if got := truncate("short", 3); got != "sho" {
		t.Fatalf("got %q", got)
	}
}

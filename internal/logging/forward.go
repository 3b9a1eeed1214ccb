package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Sink receives log records forwarded out of process.
type Sink interface {
	Emit(taskName, level, message string)
}

// DiagnosticTask is the telemetry task name used for forwarded log records.
const DiagnosticTask = "ExtensionDiagnostic"

var (
	sinkMu       sync.RWMutex
	globalSink   Sink
	sinkMinLevel = slog.LevelWarn
)

// SetSink installs the sink that receives records at or above minLevel.
// Passing nil disables forwarding.
func SetSink(s Sink, minLevel slog.Level) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	globalSink = s
	sinkMinLevel = minLevel
}

func currentSink(level slog.Level) Sink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	if globalSink == nil || level < sinkMinLevel {
		return nil
	}
	return globalSink
}

// forwardingHandler wraps a base slog.Handler to also forward records to the
// installed Sink.
type forwardingHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *forwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *forwardingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sink := currentSink(record.Level); sink != nil {
		fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}
		record.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})

		// The telemetry writer logs about itself; forwarding those would loop.
		if c, _ := fields[KeyComponent].(string); c != "telemetry" {
			sink.Emit(DiagnosticTask, record.Level.String(), formatRecord(record.Message, fields))
		}
	}

	// Still write to local handler
	return h.base.Handle(ctx, record)
}

func (h *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &forwardingHandler{base: h.base.WithAttrs(attrs), attrs: merged}
}

func (h *forwardingHandler) WithGroup(name string) slog.Handler {
	return &forwardingHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

func formatRecord(msg string, fields map[string]any) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

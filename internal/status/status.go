// Package status writes the per-sequence status file the host polls.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/breeze-rmm/patchext/internal/fileutil"
	"github.com/breeze-rmm/patchext/internal/logging"
)

var log = logging.L("status")

// ProductName is the fixed label in every status record.
const ProductName = "Azure Patch Management"

// OperationInstallation is the operation label written while enable runs.
const OperationInstallation = "Installation"

// State is the lifecycle state reported to the host.
type State string

const (
	Transitioning State = "transitioning"
	Success       State = "success"
	Error         State = "error"
)

// Substatus is one sub-operation outcome appended to a record.
type Substatus struct {
	Name    string
	Status  State
	Code    int
	Message string
}

// Record is the in-memory form of a status file.
type Record struct {
	Operation string
	Status    State
	Code      int
	Message   string
	Substatus []Substatus
}

// AddSubstatus appends a substatus entry, preserving order.
func (r *Record) AddSubstatus(name string, state State, code int, message string) {
	r.Substatus = append(r.Substatus, Substatus{Name: name, Status: state, Code: code, Message: message})
}

type formattedMessage struct {
	Lang    string `json:"lang"`
	Message string `json:"message"`
}

type substatusJSON struct {
	Name             string           `json:"name"`
	Status           State            `json:"status"`
	Code             int              `json:"code"`
	FormattedMessage formattedMessage `json:"formattedMessage"`
}

type statusJSON struct {
	Name             string           `json:"name"`
	Operation        string           `json:"operation"`
	Status           State            `json:"status"`
	Code             int              `json:"code"`
	FormattedMessage formattedMessage `json:"formattedMessage"`
	Substatus        []substatusJSON  `json:"substatus"`
}

type entryJSON struct {
	Version      json.Number `json:"version"`
	TimestampUTC string      `json:"timestampUTC"`
	Status       statusJSON  `json:"status"`
}

// Writer persists status records into the host's status folder.
type Writer struct {
	folder string
	now    func() time.Time
}

// NewWriter returns a Writer for folder.
func NewWriter(folder string) *Writer {
	return &Writer{folder: folder, now: time.Now}
}

// Path returns the status file path for seq.
func (w *Writer) Path(seq int) string {
	return filepath.Join(w.folder, strconv.Itoa(seq)+".status")
}

// Write replaces the status file for seq with rec in one step.
func (w *Writer) Write(seq int, rec Record) error {
	subs := make([]substatusJSON, 0, len(rec.Substatus))
	for _, s := range rec.Substatus {
		subs = append(subs, substatusJSON{
			Name:             s.Name,
			Status:           s.Status,
			Code:             s.Code,
			FormattedMessage: formattedMessage{Lang: "en-US", Message: s.Message},
		})
	}

	doc := []entryJSON{{
		Version:      "1.0",
		TimestampUTC: w.now().UTC().Format(time.RFC3339),
		Status: statusJSON{
			Name:             ProductName,
			Operation:        rec.Operation,
			Status:           rec.Status,
			Code:             rec.Code,
			FormattedMessage: formattedMessage{Lang: "en-US", Message: rec.Message},
			Substatus:        subs,
		},
	}}

	if err := os.MkdirAll(w.folder, 0o755); err != nil {
		return fmt.Errorf("create status folder: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(w.Path(seq), doc, 0o644); err != nil {
		return fmt.Errorf("write status for sequence %d: %w", seq, err)
	}

	log.Debug("status written", logging.KeySequence, seq, "state", rec.Status, "code", rec.Code)
	return nil
}

// Read loads the status record for seq.
func (w *Writer) Read(seq int) (Record, error) {
	var doc []entryJSON
	if err := fileutil.ReadJSON(w.Path(seq), &doc); err != nil {
		return Record{}, err
	}
	if len(doc) == 0 {
		return Record{}, fmt.Errorf("status file for sequence %d is empty", seq)
	}

	s := doc[0].Status
	rec := Record{
		Operation: s.Operation,
		Status:    s.Status,
		Code:      s.Code,
		Message:   s.FormattedMessage.Message,
	}
	for _, sub := range s.Substatus {
		rec.AddSubstatus(sub.Name, sub.Status, sub.Code, sub.FormattedMessage.Message)
	}
	return rec, nil
}

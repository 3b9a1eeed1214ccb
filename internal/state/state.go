// Package state persists the files the handler and the patch worker use to
// coordinate across processes.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/patchext/internal/fileutil"
)

const (
	CoreStateFile = "CoreState.json"
	ExtStateFile  = "ExtState.json"
)

// CoreSequence is written by the patch worker.
type CoreSequence struct {
	Number        int       `json:"number"`
	Action        string    `json:"action"`
	Completed     bool      `json:"completed"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ProcessIDs    []int     `json:"processIds"`
}

// ExtSequence is written by enable before the worker is launched.
type ExtSequence struct {
	Number          int       `json:"number"`
	AchieveEnableBy time.Time `json:"achieveEnableBy"`
	Operation       string    `json:"operation"`
}

type coreStateFile struct {
	CoreSequence CoreSequence `json:"coreSequence"`
}

type extStateFile struct {
	ExtensionSequence ExtSequence `json:"extensionSequence"`
}

// Store reads and writes the state files in one config folder.
type Store struct {
	folder string
}

// NewStore returns a Store for configFolder.
func NewStore(configFolder string) *Store {
	return &Store{folder: configFolder}
}

func (s *Store) CorePath() string { return filepath.Join(s.folder, CoreStateFile) }
func (s *Store) ExtPath() string  { return filepath.Join(s.folder, ExtStateFile) }

// ReadCore returns nil without error when the file does not exist.
func (s *Store) ReadCore() (*CoreSequence, error) {
	var f coreStateFile
	if err := fileutil.ReadJSON(s.CorePath(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read core state: %w", err)
	}
	return &f.CoreSequence, nil
}

func (s *Store) WriteCore(seq CoreSequence) error {
	if seq.ProcessIDs == nil {
		seq.ProcessIDs = []int{}
	}
	if err := fileutil.WriteJSONAtomic(s.CorePath(), coreStateFile{CoreSequence: seq}, 0o644); err != nil {
		return fmt.Errorf("write core state: %w", err)
	}
	return nil
}

// ReadExt returns nil without error when the file does not exist.
func (s *Store) ReadExt() (*ExtSequence, error) {
	var f extStateFile
	if err := fileutil.ReadJSON(s.ExtPath(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read extension state: %w", err)
	}
	return &f.ExtensionSequence, nil
}

func (s *Store) WriteExt(seq ExtSequence) error {
	if err := fileutil.WriteJSONAtomic(s.ExtPath(), extStateFile{ExtensionSequence: seq}, 0o644); err != nil {
		return fmt.Errorf("write extension state: %w", err)
	}
	return nil
}

// Delete removes both state files. Missing files are ignored.
func (s *Store) Delete() error {
	var errs []error
	for _, p := range []string{s.CorePath(), s.ExtPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

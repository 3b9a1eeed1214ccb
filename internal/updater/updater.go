// Package updater carries extension state from the previously installed
// version into a newly installed one.
package updater

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/breeze-rmm/patchext/internal/fileutil"
	"github.com/breeze-rmm/patchext/internal/logging"
	"github.com/breeze-rmm/patchext/internal/state"
)

var log = logging.L("updater")

// ProductPrefix names every installed version directory, followed by
// "-<version>".
const ProductPrefix = "Microsoft.CPlat.Core.LinuxPatchExtension"

// NoEarlierVersionMessage is reported to the host when there is nothing to
// migrate from.
const NoEarlierVersionMessage = "No earlier versions for the extension found on the machine. So, could not copy any references to the current version."

var ErrNoEarlierVersion = errors.New("no earlier extension version installed")

// Version is a dotted numeric version.
type Version []int

// ParseVersion parses "1.6.35". Leading zeros in components are ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version %q", s)
		}
		v[i] = n
	}
	return v, nil
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// CompareVersions returns -1, 0 or 1. Missing trailing components count as 0.
func CompareVersions(a, b Version) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// versionOf extracts the version suffix from an installed version path.
func versionOf(path string) (Version, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, ProductPrefix+"-") {
		return nil, false
	}
	v, err := ParseVersion(strings.TrimPrefix(base, ProductPrefix+"-"))
	if err != nil {
		return nil, false
	}
	return v, true
}

// FilterFilesFromVersions keeps the paths that are directories. Archives and
// manifests next to them are dropped; names are not inspected.
func FilterFilesFromVersions(paths []string, isDir func(string) bool) []string {
	var dirs []string
	for _, p := range paths {
		if isDir(p) {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

// SortVersionsDescending orders version paths highest first. Paths whose
// suffix does not parse as a version sort last, in their original order.
func SortVersionsDescending(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, okA := versionOf(paths[i])
		b, okB := versionOf(paths[j])
		if okA != okB {
			return okA
		}
		return okA && CompareVersions(a, b) > 0
	})
}

// Migrator copies state between version directories.
type Migrator struct {
	// Realpath resolves symlinks in the config folder path.
	Realpath func(string) (string, error)
	Glob     func(string) ([]string, error)
	IsDir    func(string) bool
}

// NewMigrator returns a Migrator bound to the real filesystem.
func NewMigrator() *Migrator {
	return &Migrator{
		Realpath: filepath.EvalSymlinks,
		Glob:     filepath.Glob,
		IsDir: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && info.IsDir()
		},
	}
}

// Migrate finds the highest version installed before the one that owns
// configFolder and copies its state files into configFolder.
func (m *Migrator) Migrate(configFolder string) error {
	real, err := m.Realpath(configFolder)
	if err != nil {
		return fmt.Errorf("resolve config folder %s: %w", configFolder, err)
	}
	parent := filepath.Dir(filepath.Dir(real))

	matches, err := m.Glob(filepath.Join(parent, ProductPrefix+"-*"))
	if err != nil {
		return fmt.Errorf("list installed versions: %w", err)
	}
	versions := FilterFilesFromVersions(matches, m.IsDir)
	if len(versions) < 2 {
		log.Warn("no earlier version to migrate from", "parent", parent, "found", len(versions))
		return ErrNoEarlierVersion
	}
	SortVersionsDescending(versions)

	current := filepath.Dir(real)
	previous := ""
	for _, v := range versions {
		if v != current {
			previous = v
			break
		}
	}
	if previous == "" {
		return ErrNoEarlierVersion
	}
	prevConfig := filepath.Join(previous, "config")
	if !m.IsDir(prevConfig) {
		log.Warn("earlier version has no config folder", "path", prevConfig)
		return ErrNoEarlierVersion
	}

	log.Info("migrating state from earlier version", "from", previous, "to", filepath.Dir(real))
	return copyState(prevConfig, real)
}

// copyState copies the state files and "*.bak" backups. Everything else in
// the source folder stays behind.
func copyState(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !shouldCopy(e.Name()) {
			continue
		}
		if err := fileutil.CopyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("copy %s: %w", e.Name(), err))
			continue
		}
		log.Debug("copied state file", "name", e.Name())
	}
	return errors.Join(errs...)
}

func shouldCopy(name string) bool {
	return name == state.CoreStateFile || name == state.ExtStateFile || strings.HasSuffix(name, ".bak")
}

package patching

import (
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/subosito/gotenv"

	"github.com/breeze-rmm/patchext/internal/executor"
)

// OSReleasePath is where the distribution identity is read from.
const OSReleasePath = "/etc/os-release"

// Family names a package manager backend.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyApt     Family = "apt"
	FamilyYum     Family = "yum"
	FamilyZypper  Family = "zypper"
)

var familyByID = map[string]Family{
	"ubuntu":              FamilyApt,
	"debian":              FamilyApt,
	"rhel":                FamilyYum,
	"centos":              FamilyYum,
	"ol":                  FamilyYum,
	"fedora":              FamilyYum,
	"amzn":                FamilyYum,
	"almalinux":           FamilyYum,
	"rocky":               FamilyYum,
	"sles":                FamilyZypper,
	"sles_sap":            FamilyZypper,
	"suse":                FamilyZypper,
	"opensuse":            FamilyZypper,
	"opensuse-leap":       FamilyZypper,
	"opensuse-tumbleweed": FamilyZypper,
}

// Detector resolves which package manager serves this machine.
type Detector struct {
	OSRelease string
	ReadFile  func(string) ([]byte, error)
	LookPath  func(string) (string, error)
}

// NewDetector returns a Detector reading the real os-release file and PATH.
func NewDetector() *Detector {
	return &Detector{
		OSRelease: OSReleasePath,
		ReadFile:  os.ReadFile,
		LookPath:  exec.LookPath,
	}
}

// Detect maps the os-release ID (then ID_LIKE) to a family, falling back to
// probing PATH for the package manager binaries.
func (d *Detector) Detect() (Family, error) {
	if data, err := d.ReadFile(d.OSRelease); err == nil {
		env := gotenv.Parse(strings.NewReader(string(data)))
		ids := append([]string{env["ID"]}, strings.Fields(env["ID_LIKE"])...)
		for _, id := range ids {
			if f, ok := familyByID[strings.ToLower(strings.TrimSpace(id))]; ok {
				log.Debug("package manager detected from os-release", "id", id, "family", f)
				return f, nil
			}
		}
		log.Warn("unrecognized distribution in os-release, probing PATH", "id", env["ID"])
	} else {
		log.Warn("could not read os-release, probing PATH", "path", d.OSRelease, "error", err)
	}

	probes := []struct {
		binary string
		family Family
	}{
		{"apt-get", FamilyApt},
		{"dnf", FamilyYum},
		{"yum", FamilyYum},
		{"zypper", FamilyZypper},
	}
	for _, p := range probes {
		if _, err := d.LookPath(p.binary); err == nil {
			return p.family, nil
		}
	}
	return FamilyUnknown, ErrNoPackageManager
}

// NewDefaultManager detects the machine's package manager and returns a
// Manager driving it.
func NewDefaultManager(runner executor.Runner, timeout time.Duration) (*Manager, error) {
	d := NewDetector()
	family, err := d.Detect()
	if err != nil {
		return nil, err
	}
	pm, err := d.New(family, runner, timeout)
	if err != nil {
		return nil, err
	}
	return NewManager(pm), nil
}

//go:build linux

package patching

import (
	"errors"
	"testing"
	"time"

	"github.com/breeze-rmm/patchext/internal/executor"
)

func TestNewSelectsAdapter(t *testing.T) {
	runner := executor.NewFakeRunner()

	pm, err := fakeDetector("", "dnf").New(FamilyYum, runner, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	y, ok := pm.(*YumProvider)
	if !ok || y.binary != "dnf" {
		t.Fatalf("expected dnf-backed yum provider, got %#v", pm)
	}

	for family, id := range map[Family]string{FamilyApt: "apt", FamilyZypper: "zypper"} {
		pm, err := fakeDetector("").New(family, runner, time.Minute)
		if err != nil || pm.ID() != id {
			t.Fatalf("family %q: got %v, %v", family, pm, err)
		}
	}

	if _, err := fakeDetector("").New(FamilyUnknown, runner, time.Minute); !errors.Is(err, ErrNoPackageManager) {
		t.Fatalf("expected ErrNoPackageManager, got %v", err)
	}
}

package core

import (
	"encoding/json"
	"time"

	"github.com/breeze-rmm/patchext/internal/patching"
)

const (
	AssessmentSummaryName   = "PatchAssessmentSummary"
	InstallationSummaryName = "PatchInstallationSummary"
)

type patchEntry struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Classifications []string `json:"classifications"`
	PatchState      string   `json:"patchInstallationState,omitempty"`
}

type assessmentSummary struct {
	ActivityID                    string       `json:"assessmentActivityId"`
	RebootPending                 bool         `json:"rebootPending"`
	CriticalAndSecurityPatchCount int          `json:"criticalAndSecurityPatchCount"`
	OtherPatchCount               int          `json:"otherPatchCount"`
	Patches                       []patchEntry `json:"patches"`
	StartTime                     string       `json:"startTime"`
	LastModifiedTime              string       `json:"lastModifiedTime"`
	Errors                        []string     `json:"errors"`
}

type installationSummary struct {
	InstallationActivityID    string       `json:"installationActivityId"`
	RebootStatus              string       `json:"rebootStatus"`
	MaintenanceWindowExceeded bool         `json:"maintenanceWindowExceeded"`
	NotSelectedPatchCount     int          `json:"notSelectedPatchCount"`
	ExcludedPatchCount        int          `json:"excludedPatchCount"`
	PendingPatchCount         int          `json:"pendingPatchCount"`
	InstalledPatchCount       int          `json:"installedPatchCount"`
	FailedPatchCount          int          `json:"failedPatchCount"`
	Patches                   []patchEntry `json:"patches"`
	StartTime                 string       `json:"startTime"`
	LastModifiedTime          string       `json:"lastModifiedTime"`
	MaintenanceRunID          string       `json:"maintenanceRunId"`
	Errors                    []string     `json:"errors"`
}

// Patch installation states.
const (
	patchInstalled = "Installed"
	patchFailed    = "Failed"
	patchExcluded  = "Excluded"
	patchPending   = "Pending"
	patchNoChange  = "NotSelected"
)

func entryFor(u patching.Update, patchState string) patchEntry {
	return patchEntry{
		Name:            u.Name,
		Version:         u.AvailableVersion,
		Classifications: []string{u.Classification.String()},
		PatchState:      patchState,
	}
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

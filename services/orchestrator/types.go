package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a state of the update state machine.
type Phase string

const (
	PhaseIdle              Phase = "Idle"
	PhaseCheckingUpdate    Phase = "CheckingUpdate"
	PhaseUpdateAvailable   Phase = "UpdateAvailable"
	PhaseBackingUp         Phase = "BackingUp"
	PhaseDownloading       Phase = "Downloading"
	PhaseUninstalling      Phase = "Uninstalling"
	PhaseInstalling        Phase = "Installing"
	PhaseRestoring         Phase = "Restoring"
	PhaseError             Phase = "Error"
	PhaseCompletedNoBackup Phase = "CompletedNoBackup"
)

// Terminal reports whether a finished job can rest in p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseIdle, PhaseError, PhaseCompletedNoBackup:
		return true
	}
	return false
}

// Committed reports whether the installed integration may already have been changed.
func (p Phase) Committed() bool {
	switch p {
	case PhaseUninstalling, PhaseInstalling, PhaseRestoring:
		return true
	}
	return false
}

// Outcome summarises how a job ended.
type Outcome string

const (
	OutcomeUpdated           Outcome = "updated"
	OutcomeInstalled         Outcome = "installed"
	OutcomeUpToDate          Outcome = "up_to_date"
	OutcomeUpdateAvailable   Outcome = "update_available"
	OutcomeCompletedNoBackup Outcome = "completed_no_backup"
	OutcomeFailed            Outcome = "failed"
	OutcomeCancelled         Outcome = "cancelled"
)

// Method is how configuration survives an update.
type Method string

const (
	MethodBackupRestore Method = "backup_restore"
	MethodReinstallOnly Method = "reinstall_only"
	MethodFreshInstall  Method = "fresh_install"
)

// Trigger records who started a job.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Version selectors accepted by RequestUpdate and RequestInstall. Anything else is a release tag.
const (
	SelectorLatest                  = "latest"
	SelectorLatestIncludePrerelease = "latest_including_prerelease"
)

// Installed state explanations attached to finished jobs.
const (
	StateUntouched         = "untouched"
	StatePartiallyRemoved  = "may be partially removed"
	StateMissing           = "missing"
	StateUnconfigured      = "installed, unconfigured"
	StateInstalled         = "installed"
	StateInstalledRestored = "installed, configuration restored"
)

// JobStatus is a point-in-time copy of an orchestration job.
type JobStatus struct {
	ID              uuid.UUID  `json:"id"`
	IntegrationID   string     `json:"integration_id"`
	IntegrationName string     `json:"integration_name,omitempty"`
	Trigger         Trigger    `json:"trigger"`
	Selector        string     `json:"selector"`
	Method          Method     `json:"method,omitempty"`
	Phase           Phase      `json:"phase"`
	Active          bool       `json:"active"`
	Outcome         Outcome    `json:"outcome,omitempty"`
	FromVersion     string     `json:"from_version,omitempty"`
	TargetVersion   string     `json:"target_version,omitempty"`
	SnapshotID      string     `json:"snapshot_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	ErrorPhase      Phase      `json:"error_phase,omitempty"`
	Degraded        bool       `json:"degraded"`
	InstalledState  string     `json:"installed_state,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Notes           []string   `json:"notes,omitempty"`
}

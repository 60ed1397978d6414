package api

import (
	"context"
	"io"

	"github.com/google/uuid"

	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/orchestrator"
	"intgmgr/services/scheduler"
	"intgmgr/services/settings"
)

// Orchestrator is the job and backup surface behind the HTTP API.
type Orchestrator interface {
	Integrations(ctx context.Context, refresh bool) ([]device.Integration, error)
	RequestUpdate(integrationID, selector string) (orchestrator.JobStatus, error)
	RequestInstall(driverID, selector string) (orchestrator.JobStatus, error)
	GetJobStatus(integrationID string) (orchestrator.JobStatus, error)
	CancelJob(integrationID string) (orchestrator.JobStatus, error)
	Jobs() []orchestrator.JobStatus
	History(ctx context.Context, integrationID string, limit int) ([]orchestrator.JobStatus, error)
	RequestBackup(ctx context.Context, integrationID string, source backup.Source) (backup.CaptureResult, error)
	ExportAll(ctx context.Context, w io.Writer) (*backup.Manifest, error)
	ImportAll(ctx context.Context, r io.Reader) (backup.ImportResult, error)
	Draining() bool
}

// Snapshots lists and manages stored snapshots.
type Snapshots interface {
	List(ctx context.Context, integrationID string) ([]backup.Snapshot, error)
	Get(ctx context.Context, id uuid.UUID) (backup.Snapshot, error)
	Restore(ctx context.Context, integrationID string, snapshotID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// SettingsStore reads and persists manager settings.
type SettingsStore interface {
	Current() settings.Settings
	Save(ctx context.Context, next settings.Settings) error
}

// StatusSource reports power and scheduling state.
type StatusSource interface {
	Status() scheduler.Status
}

// PowerSink accepts power readings pushed by the device or a companion process.
type PowerSink interface {
	Push(state device.PowerState) scheduler.Status
}

// Deps are the components the handlers call.
type Deps struct {
	Orchestrator Orchestrator
	Snapshots    Snapshots
	Settings     SettingsStore
	Status       StatusSource
	// Power receives pushed power readings. Nil disables POST /v1/power.
	Power PowerSink
	// Ready reports whether backing services answer; used by /readyz.
	Ready func(ctx context.Context) error
	// SettingsChanged runs after settings were saved, e.g. to reschedule backups.
	SettingsChanged func(settings.Settings) error
	// Offload uploads an export off the device. Nil disables the endpoint.
	Offload func(ctx context.Context) (backup.OffloadResult, error)
}

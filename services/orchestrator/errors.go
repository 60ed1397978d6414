package orchestrator

import (
	"errors"
	"fmt"

	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/registry"
)

var (
	// ErrPrecondition is the root of every "not now" rejection.
	ErrPrecondition = errors.New("precondition failed")
	// ErrDegraded marks a job that left the integration uninstalled.
	ErrDegraded = errors.New("integration degraded")

	ErrJobActive        = fmt.Errorf("%w: a job is already active for this integration", ErrPrecondition)
	ErrNoActiveJob      = fmt.Errorf("%w: no active job", ErrPrecondition)
	ErrNotCancellable   = fmt.Errorf("%w: job is past the point where it can be cancelled", ErrPrecondition)
	ErrDraining         = fmt.Errorf("%w: manager is shutting down", ErrPrecondition)
	ErrNotManaged       = fmt.Errorf("%w: firmware integrations are updated with the device", ErrPrecondition)
	ErrImporting        = fmt.Errorf("%w: a backup import is in progress", ErrPrecondition)
	ErrBusy             = fmt.Errorf("%w: jobs or backups are running", ErrPrecondition)
	ErrAlreadyInstalled = fmt.Errorf("%w: integration is already installed, request an update instead", ErrPrecondition)
	ErrNoRepository     = errors.New("integration has no registry repository")
	ErrNoJob            = errors.New("no job recorded for this integration")
	ErrBadArtifact      = errors.New("downloaded artifact is not an installable archive")
)

// JobError is the terminal error of a failed job.
type JobError struct {
	Phase          Phase
	Cause          error
	Degraded       bool
	InstalledState string
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Phase, e.Cause)
	if e.InstalledState != "" {
		msg += " (integration " + e.InstalledState + ")"
	}
	return msg
}

func (e *JobError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrDegraded) match degraded job errors.
func (e *JobError) Is(target error) bool {
	return target == ErrDegraded && e.Degraded
}

// Error kinds reported to API clients.
const (
	KindTransientNetwork = "transient_network"
	KindUnavailable      = "unavailable"
	KindNotFound         = "not_found"
	KindUnsupported      = "unsupported"
	KindPrecondition     = "precondition"
	KindDegraded         = "degraded"
	KindInvalid          = "invalid"
	KindInternal         = "internal"
)

// Classify maps an error from any manager component onto the error taxonomy.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDegraded):
		return KindDegraded
	case errors.Is(err, ErrPrecondition), errors.Is(err, backup.ErrCaptureInProgress):
		return KindPrecondition
	case errors.Is(err, device.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, registry.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, device.ErrTransient):
		return KindTransientNetwork
	case errors.Is(err, device.ErrNotFound), errors.Is(err, registry.ErrNotFound),
		errors.Is(err, backup.ErrNotFound), errors.Is(err, ErrNoJob), errors.Is(err, ErrNoRepository):
		return KindNotFound
	case errors.Is(err, backup.ErrInvalidArchive), errors.Is(err, ErrBadArtifact):
		return KindInvalid
	}
	return KindInternal
}

func transient(err error) bool {
	return errors.Is(err, registry.ErrUnavailable) || errors.Is(err, device.ErrTransient)
}

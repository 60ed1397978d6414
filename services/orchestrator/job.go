package orchestrator

import (
	"sync"

	"github.com/google/uuid"

	"intgmgr/services/settings"
)

type job struct {
	mu     sync.Mutex
	status JobStatus

	// settings is the copy taken at creation.
	settings  settings.Settings
	confirmed bool
	// fresh installs an integration that is not on the device yet.
	fresh bool

	cancel          func()
	cancelRequested bool
	halted          bool
	done            chan struct{}
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	st.Notes = append([]string(nil), j.status.Notes...)
	if j.status.FinishedAt != nil {
		f := *j.status.FinishedAt
		st.FinishedAt = &f
	}
	return st
}

func (j *job) id() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.ID
}

func (j *job) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Active
}

func (j *job) update(fn func(st *JobStatus)) {
	j.mu.Lock()
	fn(&j.status)
	j.mu.Unlock()
}

func (j *job) note(msg string) {
	j.mu.Lock()
	j.status.Notes = append(j.status.Notes, msg)
	j.mu.Unlock()
}

func (j *job) requestCancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Active {
		return ErrNoActiveJob
	}
	switch j.status.Phase {
	case PhaseIdle, PhaseCheckingUpdate, PhaseUpdateAvailable, PhaseBackingUp:
		j.cancelRequested = true
		j.status.CancelRequested = true
		j.cancel()
		return nil
	case PhaseDownloading:
		j.cancelRequested = true
		j.status.CancelRequested = true
		return nil
	default:
		return ErrNotCancellable
	}
}

func (j *job) halt() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Active {
		return
	}
	j.halted = true
	// Queued jobs have nothing in flight.
	if j.status.Phase == PhaseIdle {
		j.cancel()
	}
}

// enter moves the job to next unless a cancel or halt is pending, in which case it
// reports false and the phase is left unchanged. The check and the transition are
// atomic with respect to CancelJob.
func (j *job) enter(next Phase) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested || j.halted {
		return false
	}
	j.status.Phase = next
	return true
}

func (j *job) stopReason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.cancelRequested:
		return "cancelled by request"
	case j.halted:
		return "stopped for shutdown"
	}
	return ""
}

// setPhase moves the job unconditionally. Used once the integration is committed.
func (j *job) setPhase(next Phase) {
	j.mu.Lock()
	j.status.Phase = next
	j.mu.Unlock()
}

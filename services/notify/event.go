package notify

import (
	"time"

	"intgmgr/services/settings"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindUpdateAvailable     Kind = "update_available"
	KindUpdateStarted       Kind = "update_started"
	KindUpdateCompleted     Kind = "update_completed"
	KindUpdateFailed        Kind = "update_failed"
	KindDegraded            Kind = "degraded"
	KindReconfigureRequired Kind = "reconfigure_required"
	KindBackupCompleted     Kind = "backup_completed"
	KindBackupFailed        Kind = "backup_failed"
	KindNewIntegration      Kind = "new_integration"
)

// Event is one lifecycle occurrence handed to the dispatcher.
type Event struct {
	Kind            Kind      `json:"kind"`
	IntegrationID   string    `json:"integration_id,omitempty"`
	IntegrationName string    `json:"integration_name,omitempty"`
	Version         string    `json:"version,omitempty"`
	FromVersion     string    `json:"from_version,omitempty"`
	JobID           string    `json:"job_id,omitempty"`
	Phase           string    `json:"phase,omitempty"`
	Message         string    `json:"message,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"`
	At              time.Time `json:"at"`
}

// Priority maps an event to a 1 (low) to 5 (urgent) scale.
func (e Event) Priority() int {
	switch e.Kind {
	case KindDegraded:
		return 5
	case KindUpdateFailed, KindBackupFailed:
		return 4
	case KindReconfigureRequired:
		return 4
	case KindUpdateStarted, KindBackupCompleted:
		return 2
	default:
		return 3
	}
}

// Enabled reports whether the trigger toggles allow kind to be sent.
func Enabled(t settings.Triggers, kind Kind) bool {
	switch kind {
	case KindUpdateAvailable:
		return t.UpdateAvailable
	case KindUpdateStarted, KindUpdateCompleted, KindUpdateFailed, KindReconfigureRequired:
		return t.UpdateResult
	case KindDegraded:
		// losing an integration is always reported
		return true
	case KindBackupCompleted, KindBackupFailed:
		return t.BackupResult
	case KindNewIntegration:
		return t.NewIntegration
	}
	return false
}

// Message is an event rendered for delivery.
type Message struct {
	Title string
	Body  string
	Event Event
}

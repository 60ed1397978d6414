package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type historyModel struct {
	ID             uuid.UUID `gorm:"type:text;primaryKey"`
	IntegrationID  string    `gorm:"type:text;not null"`
	Trigger        string    `gorm:"type:text;not null"`
	Method         string    `gorm:"type:text"`
	Phase          string    `gorm:"type:text;not null"`
	Outcome        string    `gorm:"type:text;not null"`
	FromVersion    string    `gorm:"type:text"`
	TargetVersion  string    `gorm:"type:text"`
	LastError      string    `gorm:"type:text"`
	ErrorPhase     string    `gorm:"type:text"`
	Degraded       bool      `gorm:"not null"`
	InstalledState string    `gorm:"type:text"`
	Details        datatypes.JSONMap
	StartedAt      time.Time `gorm:"not null"`
	FinishedAt     time.Time `gorm:"not null"`
}

func (historyModel) TableName() string { return "job_history" }

func historyFromStatus(st JobStatus) historyModel {
	row := historyModel{
		ID:             st.ID,
		IntegrationID:  st.IntegrationID,
		Trigger:        string(st.Trigger),
		Method:         string(st.Method),
		Phase:          string(st.Phase),
		Outcome:        string(st.Outcome),
		FromVersion:    st.FromVersion,
		TargetVersion:  st.TargetVersion,
		LastError:      st.LastError,
		ErrorPhase:     string(st.ErrorPhase),
		Degraded:       st.Degraded,
		InstalledState: st.InstalledState,
		StartedAt:      st.StartedAt,
	}
	if st.FinishedAt != nil {
		row.FinishedAt = *st.FinishedAt
	}
	details := datatypes.JSONMap{"selector": st.Selector}
	if st.SnapshotID != "" {
		details["snapshot_id"] = st.SnapshotID
	}
	if len(st.Notes) > 0 {
		details["notes"] = st.Notes
	}
	row.Details = details
	return row
}

func (m historyModel) toStatus() JobStatus {
	finished := m.FinishedAt.UTC()
	st := JobStatus{
		ID:             m.ID,
		IntegrationID:  m.IntegrationID,
		Trigger:        Trigger(m.Trigger),
		Method:         Method(m.Method),
		Phase:          Phase(m.Phase),
		Outcome:        Outcome(m.Outcome),
		FromVersion:    m.FromVersion,
		TargetVersion:  m.TargetVersion,
		LastError:      m.LastError,
		ErrorPhase:     Phase(m.ErrorPhase),
		Degraded:       m.Degraded,
		InstalledState: m.InstalledState,
		StartedAt:      m.StartedAt.UTC(),
		FinishedAt:     &finished,
	}
	if sel, ok := m.Details["selector"].(string); ok {
		st.Selector = sel
	}
	if snap, ok := m.Details["snapshot_id"].(string); ok {
		st.SnapshotID = snap
	}
	if notes, ok := m.Details["notes"].([]any); ok {
		for _, n := range notes {
			if s, ok := n.(string); ok {
				st.Notes = append(st.Notes, s)
			}
		}
	}
	return st
}

func (o *Orchestrator) recordHistory(ctx context.Context, st JobStatus) {
	if o.orm == nil {
		return
	}
	row := historyFromStatus(st)
	if err := o.orm.WithContext(ctx).Create(&row).Error; err != nil {
		o.log.Warn().Err(err).Str("job_id", st.ID.String()).Msg("record job history")
	}
}

// History returns finished jobs for integrationID, newest first. An empty id lists
// every integration.
func (o *Orchestrator) History(ctx context.Context, integrationID string, limit int) ([]JobStatus, error) {
	if o.orm == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := o.orm.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if integrationID != "" {
		q = q.Where("integration_id = ?", integrationID)
	}
	var rows []historyModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load job history: %w", err)
	}
	out := make([]JobStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toStatus())
	}
	return out, nil
}

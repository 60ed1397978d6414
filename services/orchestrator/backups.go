package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"intgmgr/services/backup"
	"intgmgr/services/notify"
)

// AllIntegrations selects every backup capable integration in RequestBackup.
const AllIntegrations = "all"

// RequestBackup captures the configuration of integrationID, or of every capable
// integration when it is "all". A single integration with an active job is
// rejected with a precondition error.
func (o *Orchestrator) RequestBackup(ctx context.Context, integrationID string, source backup.Source) (backup.CaptureResult, error) {
	if !source.Valid() {
		return backup.CaptureResult{}, fmt.Errorf("%w: unknown backup source %q", ErrPrecondition, source)
	}
	if integrationID == AllIntegrations {
		return o.backupAll(ctx, source)
	}

	o.mu.Lock()
	if o.importing {
		o.mu.Unlock()
		return backup.CaptureResult{}, ErrImporting
	}
	if j, ok := o.jobs[integrationID]; ok && j.active() {
		o.mu.Unlock()
		return backup.CaptureResult{}, ErrJobActive
	}
	if o.isBackingUp(integrationID) {
		o.mu.Unlock()
		return backup.CaptureResult{}, backup.ErrCaptureInProgress
	}
	o.backingUp[integrationID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.backingUp, integrationID)
		o.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	snap, err := o.snapshots.Capture(callCtx, integrationID, source)
	if err != nil {
		o.notify(notify.Event{Kind: notify.KindBackupFailed, IntegrationID: integrationID, Message: err.Error()})
		return backup.CaptureResult{Failed: map[string]error{integrationID: err}}, err
	}
	o.notify(notify.Event{
		Kind:          notify.KindBackupCompleted,
		IntegrationID: integrationID,
		Message:       fmt.Sprintf("%s backup stored as %s", source, snap.ID),
	})
	return backup.CaptureResult{Captured: []backup.Snapshot{snap}}, nil
}

func (o *Orchestrator) backupAll(ctx context.Context, source backup.Source) (backup.CaptureResult, error) {
	o.mu.Lock()
	importing := o.importing
	o.mu.Unlock()
	if importing {
		return backup.CaptureResult{}, ErrImporting
	}
	result, err := o.snapshots.CaptureAll(ctx, source, o.claimBackup)
	if err != nil && len(result.Captured) == 0 && len(result.Failed) == 0 {
		o.notify(notify.Event{Kind: notify.KindBackupFailed, Message: err.Error()})
		return result, err
	}

	if len(result.Failed) > 0 {
		ids := make([]string, 0, len(result.Failed))
		for id := range result.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			o.notify(notify.Event{Kind: notify.KindBackupFailed, IntegrationID: id, Message: result.Failed[id].Error()})
		}
	}
	if len(result.Captured) > 0 {
		o.notify(notify.Event{
			Kind:    notify.KindBackupCompleted,
			Message: fmt.Sprintf("%s backup captured %d integration(s), %d failed", source, len(result.Captured), len(result.Failed)),
		})
	}
	o.log.Info().
		Str("source", string(source)).
		Int("captured", len(result.Captured)).
		Int("skipped", len(result.Skipped)).
		Strs("busy", result.Busy).
		Int("failed", len(result.Failed)).
		Msg("backup pass finished")
	return result, err
}

// claimBackup reserves id for one capture of a backup pass. Integrations with an
// active job are left to that job, and no job starts while the claim is held.
func (o *Orchestrator) claimBackup(id string) (func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.importing || o.isBackingUp(id) {
		return nil, false
	}
	if j, ok := o.jobs[id]; ok && j.active() {
		return nil, false
	}
	o.backingUp[id] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.backingUp, id)
		o.mu.Unlock()
	}, true
}

// isBackingUp must be called with o.mu held.
func (o *Orchestrator) isBackingUp(id string) bool {
	_, ok := o.backingUp[id]
	return ok
}

// anyActive must be called with o.mu held.
func (o *Orchestrator) anyActive() bool {
	for _, j := range o.jobs {
		if j.active() {
			return true
		}
	}
	return false
}

// ExportAll writes the backup archive of every snapshot and the settings to w.
// It only reads stored snapshots and may run alongside jobs.
func (o *Orchestrator) ExportAll(ctx context.Context, w io.Writer) (*backup.Manifest, error) {
	manifest, err := o.snapshots.Export(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("export backups: %w", err)
	}
	o.log.Info().Int("snapshots", manifest.SnapshotCount).Msg("backups exported")
	return manifest, nil
}

// ImportAll validates and applies a backup archive. Nothing is applied when any
// part of the archive is invalid. It is rejected while any job or backup runs, and
// new jobs and backups are rejected until it returns.
func (o *Orchestrator) ImportAll(ctx context.Context, r io.Reader) (backup.ImportResult, error) {
	o.mu.Lock()
	if o.importing || len(o.backingUp) > 0 || o.anyActive() {
		o.mu.Unlock()
		return backup.ImportResult{}, ErrBusy
	}
	o.importing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.importing = false
		o.mu.Unlock()
	}()

	result, err := o.snapshots.Import(ctx, r)
	if err != nil {
		if errors.Is(err, backup.ErrInvalidArchive) {
			return result, err
		}
		return result, fmt.Errorf("import backups: %w", err)
	}
	o.log.Info().
		Str("format", result.Format).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Bool("settings_applied", result.SettingsApplied).
		Msg("backups imported")
	return result, nil
}

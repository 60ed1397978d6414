package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"intgmgr/services/backup"
	"intgmgr/services/orchestrator"
)

type snapshotView struct {
	backup.Snapshot
	Payload string `json:"payload,omitempty"`
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	snaps, err := a.deps.Snapshots.List(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondClassified(w, err)
		return
	}
	withPayload := r.URL.Query().Get("payload") == "true"
	out := make([]snapshotView, 0, len(snaps))
	for _, snap := range snaps {
		view := snapshotView{Snapshot: snap}
		if withPayload {
			view.Payload = string(snap.Payload)
		}
		out = append(out, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

func (a *API) handleBackupOne(w http.ResponseWriter, r *http.Request) {
	a.backup(w, r, chi.URLParam(r, "id"))
}

func (a *API) handleBackupAll(w http.ResponseWriter, r *http.Request) {
	a.backup(w, r, orchestrator.AllIntegrations)
}

func (a *API) backup(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	result, err := a.deps.Orchestrator.RequestBackup(ctx, id, backup.SourceManual)
	if err != nil && len(result.Captured) == 0 {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"captured": result.Captured,
		"skipped":  result.Skipped,
		"failed":   result.Errors(),
	})
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	snapID, err := uuid.Parse(chi.URLParam(r, "snapshot"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot id: %w", err))
		return
	}
	id := chi.URLParam(r, "id")
	if st, err := a.deps.Orchestrator.GetJobStatus(id); err == nil && st.Active {
		respondClassified(w, orchestrator.ErrJobActive)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := a.deps.Snapshots.Restore(ctx, id, snapID); err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"restored": snapID})
}

func (a *API) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	snapID, err := uuid.Parse(chi.URLParam(r, "snapshot"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot id: %w", err))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := a.deps.Snapshots.Delete(ctx, snapID); err != nil {
		respondClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var buf bytes.Buffer
	manifest, err := a.deps.Orchestrator.ExportAll(ctx, &buf)
	if err != nil {
		respondClassified(w, err)
		return
	}
	name := backup.ArchiveName(time.Now())
	if manifest.Recipient != "" {
		name += ".age"
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Snapshot-Count", fmt.Sprint(manifest.SnapshotCount))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	result, err := a.deps.Orchestrator.ImportAll(ctx, http.MaxBytesReader(w, r.Body, backup.MaxArchiveSize+1))
	if err != nil {
		respondClassified(w, err)
		return
	}
	if result.SettingsApplied && a.deps.SettingsChanged != nil {
		if err := a.deps.SettingsChanged(a.deps.Settings.Current()); err != nil {
			a.log.Warn().Err(err).Msg("apply imported settings")
		}
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	snapID, err := uuid.Parse(chi.URLParam(r, "snapshot"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot id: %w", err))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	snap, err := a.deps.Snapshots.Get(ctx, snapID)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshotView{Snapshot: snap, Payload: string(snap.Payload)})
}

func (a *API) handleOffload(w http.ResponseWriter, r *http.Request) {
	if a.deps.Offload == nil {
		respondError(w, http.StatusNotImplemented, errors.New("off-device storage is not configured"))
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	result, err := a.deps.Offload(ctx)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"intgmgr/services/device"
	"intgmgr/services/orchestrator"
)

type integrationView struct {
	device.Integration
	Job *orchestrator.JobStatus `json:"job,omitempty"`
}

func (a *API) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	refresh := r.URL.Query().Get("refresh") == "true"
	installed, err := a.deps.Orchestrator.Integrations(ctx, refresh)
	if err != nil {
		respondClassified(w, err)
		return
	}

	jobs := map[string]orchestrator.JobStatus{}
	for _, st := range a.deps.Orchestrator.Jobs() {
		jobs[st.IntegrationID] = st
	}
	out := make([]integrationView, 0, len(installed))
	for _, integ := range installed {
		view := integrationView{Integration: integ}
		if st, ok := jobs[integ.ID]; ok {
			view.Job = &st
		}
		out = append(out, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

func (a *API) handleRequestUpdate(w http.ResponseWriter, r *http.Request) {
	selector, err := decodeSelector(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	st, err := a.deps.Orchestrator.RequestUpdate(chi.URLParam(r, "id"), selector)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job": st})
}

func (a *API) handleRequestInstall(w http.ResponseWriter, r *http.Request) {
	selector, err := decodeSelector(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	st, err := a.deps.Orchestrator.RequestInstall(chi.URLParam(r, "id"), selector)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job": st})
}

// decodeSelector reads the optional {"version": ...} body; empty means latest.
func decodeSelector(r *http.Request) (string, error) {
	var req struct {
		Version string `json:"version"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
	}
	selector := strings.TrimSpace(req.Version)
	if selector == "" {
		selector = orchestrator.SelectorLatest
	}
	return selector, nil
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Orchestrator.GetJobStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": st})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Orchestrator.CancelJob(chi.URLParam(r, "id"))
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job": st})
}

func (a *API) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": a.deps.Orchestrator.Jobs()})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	history, err := a.deps.Orchestrator.History(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": history})
}

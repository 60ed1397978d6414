package api

import (
	"errors"
	"net/http"

	"intgmgr/services/device"
)

func (a *API) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.deps.Settings.Current())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	next := a.deps.Settings.Current()
	if err := decodeJSON(r, &next); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := next.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := a.deps.Settings.Save(ctx, next); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if a.deps.SettingsChanged != nil {
		if err := a.deps.SettingsChanged(next); err != nil {
			a.log.Warn().Err(err).Msg("apply settings")
		}
	}
	respondJSON(w, http.StatusOK, next)
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"draining": a.deps.Orchestrator.Draining()}
	if a.deps.Status != nil {
		body["scheduler"] = a.deps.Status.Status()
	}
	respondJSON(w, http.StatusOK, body)
}

func (a *API) handlePushPower(w http.ResponseWriter, r *http.Request) {
	if a.deps.Power == nil {
		respondError(w, http.StatusNotImplemented, errors.New("pushed power readings are not accepted"))
		return
	}
	var state device.PowerState
	if err := decodeJSON(r, &state); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if state.BatteryLevel < 0 || state.BatteryLevel > 100 {
		respondError(w, http.StatusBadRequest, errors.New("battery_level must be between 0 and 100"))
		return
	}
	respondJSON(w, http.StatusOK, a.deps.Power.Push(state))
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Orchestrator.Draining() {
		http.Error(w, "suspended", http.StatusServiceUnavailable)
		return
	}
	if a.deps.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

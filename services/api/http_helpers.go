package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"intgmgr/services/orchestrator"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	body := map[string]any{"error": err.Error()}
	if kind := orchestrator.Classify(err); kind != "" && kind != orchestrator.KindInternal {
		body["kind"] = kind
	}
	respondJSON(w, status, body)
}

// respondClassified picks the status code from the error taxonomy.
func respondClassified(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch orchestrator.Classify(err) {
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindPrecondition:
		return http.StatusConflict
	case orchestrator.KindUnsupported, orchestrator.KindInvalid:
		return http.StatusUnprocessableEntity
	case orchestrator.KindTransientNetwork, orchestrator.KindUnavailable:
		return http.StatusBadGateway
	case orchestrator.KindDegraded:
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}

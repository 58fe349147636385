package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/orchestrator"
	"github.com/fpang/topic-explorer/internal/tree"
)

// --- JSON Helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// httpError sends a JSON error response. The clientMsg is returned to the caller.
// Optional internalDetails are logged server-side but never sent to the client.
func httpError(w http.ResponseWriter, status int, clientMsg string, internalDetails ...string) {
	if len(internalDetails) > 0 {
		log.Error().
			Int("status", status).
			Str("clientMsg", clientMsg).
			Strs("internalDetails", internalDetails).
			Msg("HTTP error with internal details")
	}
	respondJSON(w, status, map[string]string{"error": clientMsg})
}

// respondErr maps domain errors to status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		httpError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, jobs.ErrNotFound):
		httpError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrInvalidPrompt):
		httpError(w, http.StatusBadRequest, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

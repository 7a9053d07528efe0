package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeError maps the ledger and pipeline error taxonomy onto HTTP. Server
// side failures are reported with a generic message so storage details and
// asset locations never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, models.ErrInvalidState):
		writeErrorResponse(w, http.StatusConflict, err.Error(), "INVALID_STATE")
	case errors.Is(err, models.ErrUnauthorized):
		writeErrorResponse(w, http.StatusForbidden, "download not authorized", "UNAUTHORIZED")
	case errors.Is(err, models.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "not found", "NOT_FOUND")
	case errors.Is(err, models.ErrProcessing):
		report(r, err)
		writeErrorResponse(w, http.StatusInternalServerError, "could not prepare download", "PROCESSING_ERROR")
	default:
		report(r, err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

func report(r *http.Request, err error) {
	logger.Error("request failed", map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"error":  err.Error(),
	})
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

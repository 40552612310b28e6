package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/services"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeServiceError maps service errors onto status codes. Internal errors
// are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, services.ErrInvalidUpload), errors.Is(err, services.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/swarmops/swarmops/internal/core"
)

// errorResponse is the JSON envelope for every error the API returns.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError sends a JSON error envelope.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code}); err != nil {
		slog.Error("encoding error response failed", "error", err)
	}
}

// respondDomainError maps a domain error onto an HTTP status and envelope.
func respondDomainError(w http.ResponseWriter, err error) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondError(w, statusForCategory(domErr.Category), domErr.Code, domErr.Message)
}

func statusForCategory(cat core.ErrorCategory) int {
	switch cat {
	case core.ErrCatValidation:
		return http.StatusBadRequest
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatRateLimit:
		return http.StatusTooManyRequests
	case core.ErrCatConflict, core.ErrCatState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

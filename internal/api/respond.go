package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondDomainError maps sentinel errors to status codes and hides
// everything else behind a 500.
func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrSubscriberNotFound):
		respondError(w, http.StatusNotFound, domain.ErrSubscriberNotFound.Error())
	case errors.Is(err, domain.ErrDeliveryNotFound):
		respondError(w, http.StatusNotFound, domain.ErrDeliveryNotFound.Error())
	case errors.Is(err, domain.ErrValidation):
		respondError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, domain.ErrDeliveryFinalized):
		respondError(w, http.StatusConflict, err.Error())
	default:
		logger.Error(fallback, "error", err)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

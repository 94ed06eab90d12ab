package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"eduvault-payments/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single place domain errors become HTTP responses.
func writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	var fe *domain.FieldError
	switch {
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: fe.Error(), Field: fe.Field})
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, domain.ErrAlreadyEntitled):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_entitled", Message: err.Error()})
	case errors.Is(err, domain.ErrPaymentInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: "payment_in_progress", Message: err.Error()})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: err.Error()})
	case errors.Is(err, domain.ErrGatewayRejected):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "gateway_rejected", Message: domain.ProviderMessage(err)})
	case errors.Is(err, domain.ErrGatewayUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "gateway_unavailable", Message: domain.ErrGatewayUnavailable.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "subscription not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "internal error"})
	}
}

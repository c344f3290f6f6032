package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"peerfund.app/internal/gateway"
	"peerfund.app/internal/lending"
	"peerfund.app/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// decodeStrict rejects unknown fields and trailing JSON tokens.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

// writeServiceError maps the lifecycle error taxonomy to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *lending.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Msg})
	case errors.Is(err, lending.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, lending.ErrPaymentPending):
		writeError(w, http.StatusAccepted, "payment_pending")
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "insufficient_funds")
	case errors.Is(err, store.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict")
	case errors.Is(err, store.ErrUserExists):
		writeError(w, http.StatusConflict, "user_exists")
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, gateway.ErrGateway):
		s.logger.Error("gateway call failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "gateway_error")
	default:
		s.logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"ghostcredit/native/bank"
	nativecommon "ghostcredit/native/common"
	"ghostcredit/native/credit"
	"ghostcredit/native/oracle"
	"ghostcredit/native/vault"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, credit.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, credit.ErrAccountNotFound),
		errors.Is(err, credit.ErrSessionNotFound),
		errors.Is(err, credit.ErrVaultNotFound),
		errors.Is(err, oracle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrAccountExists),
		errors.Is(err, credit.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable
	case credit.IsValidationError(err),
		errors.Is(err, bank.ErrInvalidDenom),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrDuplicateDenom),
		errors.Is(err, vault.ErrInvalidConfig),
		errors.Is(err, vault.ErrUnknownDelegate):
		return http.StatusBadRequest
	case credit.IsPolicyError(err),
		errors.Is(err, credit.ErrStepFailed),
		errors.Is(err, bank.ErrInsufficientFunds),
		errors.Is(err, vault.ErrZeroIssuance),
		errors.Is(err, vault.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError hides internal failures behind a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, status, "internal error")
		return
	}
	writeJSONError(w, status, err.Error())
}

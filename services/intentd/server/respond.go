package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"intentbook/native/common"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps order book error kinds onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, common.ErrInvalidRequest),
		errors.Is(err, common.ErrInvalidAmount),
		errors.Is(err, common.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrIntentNotMatchable):
		return http.StatusConflict
	case errors.Is(err, common.ErrInsufficientBalance),
		errors.Is(err, common.ErrOverFill),
		errors.Is(err, common.ErrUnfairPrice),
		errors.Is(err, common.ErrInsufficientLiquidity),
		errors.Is(err, common.ErrProofMismatch),
		errors.Is(err, common.ErrTransitionNotVerified),
		errors.Is(err, common.ErrQuotaRequestsExceeded),
		errors.Is(err, common.ErrQuotaAmountExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrModulePaused),
		errors.Is(err, common.ErrSigningFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// parseAmount decodes a base-10 amount field, writing a 400 on failure.
func parseAmount(w http.ResponseWriter, field, raw string) (*big.Int, bool) {
	amount, err := common.ParseAmount(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", field, err))
		return nil, false
	}
	return amount, true
}

func parseChain(w http.ResponseWriter, raw string) (common.ChainType, bool) {
	chain, err := common.ParseChain(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return chain, true
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

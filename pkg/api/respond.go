package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/idempotency"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("[API] Encoding response: %v", err)
		}
	}
}

// writeError maps domain errors onto HTTP statuses with a structured body
func writeError(w http.ResponseWriter, err error) {
	var (
		verr       *ordertype.ValidationError
		illegal    *statemachine.IllegalTransitionError
		incomplete *assembler.AssemblyIncompleteError
		rejected   *assembler.PartRejectedError
		applyErr   *coordinator.ApplyFailureError
	)

	switch {
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()})
	case errors.Is(err, ordertype.ErrUnknownType):
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "unknown_type", Message: err.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code: "validation_failed", Message: "validation failed", Details: verr.Errors,
		})
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code: "assembly_incomplete", Message: err.Error(),
			Details: map[string]interface{}{"missing": incomplete.Missing},
		})
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code: "part_rejected", Message: err.Error(),
			Details: map[string]interface{}{"part_key": rejected.PartKey},
		})
	case errors.Is(err, idempotency.ErrMismatch):
		writeJSON(w, http.StatusConflict, errorBody{Code: "idempotency_mismatch", Message: err.Error()})
	case errors.Is(err, lease.ErrNoItemsAvailable):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "no_items_available", Message: err.Error()})
	case errors.Is(err, lease.ErrConcurrencyLimitExceeded):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "concurrency_limit", Message: err.Error()})
	case errors.Is(err, lease.ErrLeaseNotHeld):
		writeJSON(w, http.StatusConflict, errorBody{Code: "lease_not_held", Message: err.Error()})
	case errors.Is(err, lease.ErrLeaseExpired):
		writeJSON(w, http.StatusConflict, errorBody{Code: "lease_expired", Message: err.Error()})
	case errors.As(err, &illegal):
		writeJSON(w, http.StatusConflict, errorBody{
			Code: "illegal_transition", Message: err.Error(),
			Details: map[string]string{"entity": illegal.EntityKind, "from": illegal.From, "to": illegal.To},
		})
	case errors.Is(err, coordinator.ErrNotApprovable):
		writeJSON(w, http.StatusConflict, errorBody{Code: "not_approvable", Message: err.Error()})
	case errors.As(err, &applyErr):
		writeJSON(w, http.StatusBadGateway, errorBody{Code: "apply_failed", Message: err.Error()})
	default:
		log.Printf("[API] Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: err.Error()})
	}
}

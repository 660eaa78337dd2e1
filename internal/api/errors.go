package api

import (
	"errors"
	"net/http"

	"timebank/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind struct {
	sentinel error
	http     int
	grpc     codes.Code
	code     string
}

var errorKinds = []errorKind{
	{domain.ErrNotFound, http.StatusNotFound, codes.NotFound, "not_found"},
	{domain.ErrInvalidInput, http.StatusBadRequest, codes.InvalidArgument, "invalid_input"},
	{domain.ErrSlotUnavailable, http.StatusConflict, codes.FailedPrecondition, "slot_unavailable"},
	{domain.ErrInvalidTransition, http.StatusConflict, codes.FailedPrecondition, "invalid_transition"},
	{domain.ErrConcurrentModification, http.StatusConflict, codes.Aborted, "concurrent_modification"},
	{domain.ErrDuplicate, http.StatusConflict, codes.AlreadyExists, "duplicate"},
	{domain.ErrInsufficientCredits, http.StatusPaymentRequired, codes.FailedPrecondition, "insufficient_credits"},
	{domain.ErrNotAuthorized, http.StatusForbidden, codes.PermissionDenied, "not_authorized"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, codes.ResourceExhausted, "rate_limited"},
	{domain.ErrLedgerInvariantViolation, http.StatusInternalServerError, codes.Internal, "ledger_invariant_violation"},
}

var internalKind = errorKind{http: http.StatusInternalServerError, grpc: codes.Internal, code: "internal"}

func classify(err error) errorKind {
	for _, k := range errorKinds {
		if errors.Is(err, k.sentinel) {
			return k
		}
	}
	return internalKind
}

// publicMessage hides server-side detail from clients.
func publicMessage(k errorKind, err error) string {
	if k.http >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	k := classify(err)
	return status.Error(k.grpc, publicMessage(k, err))
}

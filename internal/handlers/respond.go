package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/platform/requestctx"
	"github.com/synclune/api/internal/services"
)

// maxBulkItems bounds admin bulk requests so a single call cannot hold the database for long.
const maxBulkItems = 100

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func unavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// requireActor rejects admin calls that arrive without an operator identity.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(requestctx.Actor(r.Context())) == "" {
			httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "actor identity required", http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeServiceError maps the service error taxonomy onto HTTP responses.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, serviceError(err))
}

func serviceError(err error) httpx.Error {
	var rejection *services.DiscountRejection
	switch {
	case errors.As(err, &rejection):
		return httpx.NewError("discount_rejected", "discount code cannot be applied", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"code": rejection.Code, "reason": string(rejection.Reason)})
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrRefundInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderNotFound):
		return httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrRefundNotFound):
		return httpx.NewError("refund_not_found", "refund request not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidTransition):
		return httpx.NewError("invalid_transition", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrRefundInvalidState):
		return httpx.NewError("invalid_refund_state", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrOrderConflict):
		return httpx.NewError("order_conflict", "order was modified concurrently; reload and retry", http.StatusConflict)
	case errors.Is(err, services.ErrInsufficientStock):
		return httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrRefundProcessorFailed):
		return httpx.NewError("refund_failed", "payment processor refused the refund", http.StatusBadGateway)
	case errors.Is(err, services.ErrCheckoutUnavailable):
		return httpx.NewError("checkout_unavailable", "payment processor unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrPersistenceUnavailable):
		return httpx.NewError("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable)
	default:
		return httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError)
	}
}

type itemErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func itemError(err error) *itemErrorPayload {
	if err == nil {
		return nil
	}
	mapped := serviceError(err)
	return &itemErrorPayload{Code: mapped.Code, Message: mapped.Message}
}

package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/platform/requestctx"
	"github.com/synclune/api/internal/services"
)

// AdminOrderHandlers exposes the back-office status transitions and the refund workflow.
// Every route requires an operator identity; it is recorded as the history actor.
type AdminOrderHandlers struct {
	orders   services.OrderService
	refunds  services.RefundCoordinator
	recorder TransitionRecorder
}

// TransitionRecorder counts admin transition attempts per status field.
type TransitionRecorder interface {
	RecordTransition(field string, success bool)
}

// AdminOption customises admin handlers.
type AdminOption func(*AdminOrderHandlers)

// WithTransitionRecorder reports every transition outcome to rec.
func WithTransitionRecorder(rec TransitionRecorder) AdminOption {
	return func(h *AdminOrderHandlers) { h.recorder = rec }
}

// NewAdminOrderHandlers constructs admin handlers.
func NewAdminOrderHandlers(orders services.OrderService, refunds services.RefundCoordinator, opts ...AdminOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{orders: orders, refunds: refunds}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *AdminOrderHandlers) record(field services.StatusField, err error) {
	if h.recorder != nil {
		h.recorder.RecordTransition(string(field), err == nil)
	}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(requireActor)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}/transitions", h.transition)
	r.Post("/orders:bulk-transition", h.bulkTransition)
	r.Get("/orders/{orderID}/refunds", h.listRefunds)
	r.Post("/orders/{orderID}/refunds", h.requestRefund)
	r.Post("/refunds:approve", h.approveRefunds)
	r.Post("/refunds:reject", h.rejectRefunds)
}

type transitionRequest struct {
	OrderID       string  `json:"orderId,omitempty"`
	Field         string  `json:"field"`
	Value         string  `json:"value"`
	ExpectedValue *string `json:"expectedValue,omitempty"`
	Reason        string  `json:"reason"`
}

func (req transitionRequest) command(orderID, actor string) services.TransitionOrderCommand {
	return services.TransitionOrderCommand{
		OrderID:       strings.TrimSpace(orderID),
		Field:         services.StatusField(strings.TrimSpace(req.Field)),
		TargetValue:   strings.TrimSpace(req.Value),
		ExpectedValue: req.ExpectedValue,
		ActorID:       actor,
		Reason:        req.Reason,
	}
}

type adminOrderResponse struct {
	Order              orderPayload     `json:"order"`
	History            []historyPayload `json:"history"`
	CheckoutSessionID  string           `json:"checkoutSessionId,omitempty"`
	PaymentIntentID    string           `json:"paymentIntentId,omitempty"`
	StockDecrementedAt string           `json:"stockDecrementedAt,omitempty"`
	StockRestoredAt    string           `json:"stockRestoredAt,omitempty"`
	ReminderSentAt     string           `json:"reminderSentAt,omitempty"`
}

type bulkTransitionRequest struct {
	Items []transitionRequest `json:"items"`
}

type bulkTransitionItem struct {
	OrderID string            `json:"orderId"`
	Order   *orderPayload     `json:"order,omitempty"`
	Error   *itemErrorPayload `json:"error,omitempty"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	history, err := h.orders.ListHistory(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, adminOrderResponse{
		Order:              buildOrderPayload(order),
		History:            buildHistoryPayloads(history),
		CheckoutSessionID:  order.CheckoutSessionID,
		PaymentIntentID:    order.PaymentIntentID,
		StockDecrementedAt: formatTimePtr(order.StockDecrementedAt),
		StockRestoredAt:    formatTimePtr(order.StockRestoredAt),
		ReminderSentAt:     formatTimePtr(order.ReminderSentAt),
	})
}

func (h *AdminOrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := req.command(chi.URLParam(r, "orderID"), requestctx.Actor(ctx))
	order, err := h.orders.TransitionOrder(ctx, cmd)
	h.record(cmd.Field, err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) bulkTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	var req bulkTransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBulkItems {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("items must contain between 1 and %d entries", maxBulkItems), http.StatusBadRequest))
		return
	}

	actor := requestctx.Actor(ctx)
	cmds := make([]services.TransitionOrderCommand, 0, len(req.Items))
	for _, item := range req.Items {
		cmds = append(cmds, item.command(item.OrderID, actor))
	}

	results := h.orders.BulkTransition(ctx, cmds)
	items := make([]bulkTransitionItem, 0, len(results))
	failed := 0
	for i, result := range results {
		if i < len(cmds) {
			h.record(cmds[i].Field, result.Err)
		}
		item := bulkTransitionItem{OrderID: result.OrderID, Error: itemError(result.Err)}
		if result.Err == nil {
			payload := buildOrderPayload(result.Order)
			item.Order = &payload
		} else {
			failed++
		}
		items = append(items, item)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":     items,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

type refundPayload struct {
	ID               string `json:"id"`
	OrderID          string `json:"orderId"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Reason           string `json:"reason,omitempty"`
	Status           string `json:"status"`
	ExternalRefundID string `json:"externalRefundId,omitempty"`
	RequestedBy      string `json:"requestedBy,omitempty"`
	DecidedBy        string `json:"decidedBy,omitempty"`
	DecidedAt        string `json:"decidedAt,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
	CreatedAt        string `json:"createdAt"`
}

func buildRefundPayload(refund services.RefundRequest) refundPayload {
	return refundPayload{
		ID:               refund.ID,
		OrderID:          refund.OrderID,
		Amount:           refund.Amount,
		Currency:         refund.Currency,
		Reason:           refund.Reason,
		Status:           string(refund.Status),
		ExternalRefundID: refund.ExternalRefundID,
		RequestedBy:      refund.RequestedBy,
		DecidedBy:        refund.DecidedBy,
		DecidedAt:        formatTimePtr(refund.DecidedAt),
		FailureReason:    refund.FailureReason,
		CreatedAt:        formatTime(refund.CreatedAt),
	}
}

type requestRefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundDecisionRequest struct {
	RefundIDs []string `json:"refundIds"`
	Reason    string   `json:"reason"`
}

type refundDecisionItem struct {
	RefundID string            `json:"refundId"`
	Refund   *refundPayload    `json:"refund,omitempty"`
	Error    *itemErrorPayload `json:"error,omitempty"`
}

func (h *AdminOrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		unavailable(ctx, w, "refund")
		return
	}
	refunds, err := h.refunds.ListRefunds(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]refundPayload, 0, len(refunds))
	for _, refund := range refunds {
		items = append(items, buildRefundPayload(refund))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AdminOrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		unavailable(ctx, w, "refund")
		return
	}
	var req requestRefundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	refund, err := h.refunds.RequestRefund(ctx, services.RequestRefundCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Amount:  req.Amount,
		Reason:  req.Reason,
		ActorID: requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"refund": buildRefundPayload(refund)})
}

func (h *AdminOrderHandlers) approveRefunds(w http.ResponseWriter, r *http.Request) {
	h.decideRefunds(w, r, true)
}

func (h *AdminOrderHandlers) rejectRefunds(w http.ResponseWriter, r *http.Request) {
	h.decideRefunds(w, r, false)
}

func (h *AdminOrderHandlers) decideRefunds(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	if h.refunds == nil {
		unavailable(ctx, w, "refund")
		return
	}
	var req refundDecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if len(req.RefundIDs) == 0 || len(req.RefundIDs) > maxBulkItems {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("refundIds must contain between 1 and %d entries", maxBulkItems), http.StatusBadRequest))
		return
	}

	cmd := services.RefundDecisionCommand{
		RefundIDs: req.RefundIDs,
		ActorID:   requestctx.Actor(ctx),
		Reason:    req.Reason,
	}
	var results []services.RefundDecisionResult
	if approve {
		results = h.refunds.ApproveRefunds(ctx, cmd)
	} else {
		results = h.refunds.RejectRefunds(ctx, cmd)
	}
	items := make([]refundDecisionItem, 0, len(results))
	failed := 0
	for _, result := range results {
		item := refundDecisionItem{RefundID: result.RefundID, Error: itemError(result.Err)}
		if result.Err == nil {
			payload := buildRefundPayload(result.Refund)
			item.Refund = &payload
		} else {
			failed++
		}
		items = append(items, item)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":     items,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

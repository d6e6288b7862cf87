package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/platform/requestctx"
	"github.com/synclune/api/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookVerifier authenticates a raw delivery and normalises it into a payment event.
type WebhookVerifier interface {
	ParseEvent(payload []byte, signature string) (domain.PaymentEvent, error)
}

// PaymentEventRecorder counts webhook outcomes by event type.
type PaymentEventRecorder interface {
	RecordPaymentEvent(eventType, status string)
}

// WebhookHandlers receives payment processor callbacks. Any non-2xx response makes the processor
// redeliver, so only failures a retry can fix return 5xx.
type WebhookHandlers struct {
	verifier  WebhookVerifier
	processor services.PaymentEventProcessor
	recorder  PaymentEventRecorder
}

// NewWebhookHandlers constructs webhook handlers. recorder may be nil.
func NewWebhookHandlers(verifier WebhookVerifier, processor services.PaymentEventProcessor, recorder PaymentEventRecorder) *WebhookHandlers {
	return &WebhookHandlers{verifier: verifier, processor: processor, recorder: recorder}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	EventID string `json:"eventId,omitempty"`
	OrderID string `json:"orderId,omitempty"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx).Named("webhooks")
	if h.verifier == nil || h.processor == nil {
		unavailable(ctx, w, "webhook")
		return
	}

	payload, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.verifier.ParseEvent(payload, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrWebhookIgnored):
		h.record("unhandled", "ignored")
		writeJSONResponse(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	case errors.Is(err, payments.ErrWebhookSignature):
		logger.Warn("webhook signature rejected", zap.Error(err))
		h.record("unknown", "invalid_signature")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	default:
		logger.Warn("webhook payload rejected", zap.Error(err))
		h.record("unknown", "malformed")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}

	result, err := h.processor.ApplyPaymentEvent(ctx, event)
	if err != nil {
		if errors.Is(err, services.ErrPaymentEventInvalid) {
			h.record(string(event.Type), "invalid")
			httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
			return
		}
		logger.Error("payment event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		h.record(string(event.Type), "error")
		httpx.WriteError(ctx, w, httpx.NewError("event_processing_failed", "event could not be processed; retry later", http.StatusInternalServerError))
		return
	}

	h.record(string(event.Type), string(result.Status))
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		EventID: result.EventID,
		OrderID: result.OrderID,
		Status:  string(result.Status),
		Detail:  result.Detail,
	})
}

func (h *WebhookHandlers) record(eventType, status string) {
	if h.recorder != nil {
		h.recorder.RecordPaymentEvent(eventType, status)
	}
}

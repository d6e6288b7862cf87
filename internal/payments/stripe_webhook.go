package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/synclune/api/internal/domain"
)

const defaultWebhookTolerance = 5 * time.Minute

var (
	// ErrWebhookSignature marks payloads whose signature or timestamp does not verify.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookIgnored marks verified events that carry nothing the order lifecycle reacts to.
	ErrWebhookIgnored = errors.New("payments: webhook event ignored")
	// ErrWebhookMalformed marks verified events whose object cannot be decoded.
	ErrWebhookMalformed = errors.New("payments: malformed webhook event")
)

// StripeWebhookVerifier authenticates Stripe webhook deliveries and normalises them into payment events.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
	clock     func() time.Time
}

// StripeWebhookOption customises the verifier.
type StripeWebhookOption func(*StripeWebhookVerifier)

// WithWebhookTolerance adjusts the accepted signature age.
func WithWebhookTolerance(d time.Duration) StripeWebhookOption {
	return func(v *StripeWebhookVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithWebhookClock injects a custom clock, primarily for tests.
func WithWebhookClock(now func() time.Time) StripeWebhookOption {
	return func(v *StripeWebhookVerifier) {
		if now != nil {
			v.clock = now
		}
	}
}

// NewStripeWebhookVerifier builds a verifier for the endpoint signing secret.
func NewStripeWebhookVerifier(secret string, opts ...StripeWebhookOption) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook signing secret is required")
	}
	v := &StripeWebhookVerifier{
		secret:    secret,
		tolerance: defaultWebhookTolerance,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// ParseEvent verifies the signature header and maps the Stripe event onto the order lifecycle
// vocabulary. Events the lifecycle does not consume return ErrWebhookIgnored.
func (v *StripeWebhookVerifier) ParseEvent(payload []byte, signature string) (domain.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event %s has no data", ErrWebhookMalformed, event.ID)
	}

	out := domain.PaymentEvent{
		ID:         event.ID,
		ReceivedAt: v.clock().UTC(),
	}
	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = mapCheckoutSession(event, &out, true)
	case "checkout.session.async_payment_failed":
		err = mapCheckoutSession(event, &out, false)
	case "payment_intent.payment_failed":
		err = mapPaymentIntentFailed(event, &out)
	case "charge.dispute.created":
		err = mapDispute(event, &out, domain.PaymentEventDisputeOpened)
	case "charge.dispute.updated":
		err = mapDispute(event, &out, domain.PaymentEventDisputeUpdated)
	case "charge.dispute.closed":
		err = mapDispute(event, &out, domain.PaymentEventDisputeResolved)
	case "charge.refunded":
		err = mapChargeRefunded(event, &out)
	case "refund.updated":
		err = mapRefundUpdated(event, &out)
	default:
		return domain.PaymentEvent{}, fmt.Errorf("%w: %s", ErrWebhookIgnored, event.Type)
	}
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	return out, nil
}

func decodeObject(event stripe.Event, target any) error {
	if err := json.Unmarshal(event.Data.Raw, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWebhookMalformed, event.Type, err)
	}
	return nil
}

func mapCheckoutSession(event stripe.Event, out *domain.PaymentEvent, succeeded bool) error {
	var session stripe.CheckoutSession
	if err := decodeObject(event, &session); err != nil {
		return err
	}
	if succeeded && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// delayed payment methods settle later through async_payment_succeeded
		return fmt.Errorf("%w: session %s is awaiting payment", ErrWebhookIgnored, session.ID)
	}

	out.Type = domain.PaymentEventCheckoutCompleted
	if !succeeded {
		out.Type = domain.PaymentEventPaymentFailed
	}
	out.OrderReference = orderReference(session.Metadata, session.ClientReferenceID)
	out.Payload = domain.PaymentEventPayload{
		CheckoutSessionID: session.ID,
		AmountTotal:       session.AmountTotal,
		Currency:          strings.ToUpper(string(session.Currency)),
	}
	if session.PaymentIntent != nil {
		out.Payload.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Invoice != nil {
		out.Payload.InvoiceID = session.Invoice.ID
	}
	if !succeeded {
		out.Payload.FailureCode = "async_payment_failed"
	}
	return nil
}

func mapPaymentIntentFailed(event stripe.Event, out *domain.PaymentEvent) error {
	var intent stripe.PaymentIntent
	if err := decodeObject(event, &intent); err != nil {
		return err
	}
	out.Type = domain.PaymentEventPaymentFailed
	out.OrderReference = orderReference(intent.Metadata, "")
	out.Payload = domain.PaymentEventPayload{
		PaymentIntentID: intent.ID,
		AmountTotal:     intent.Amount,
		Currency:        strings.ToUpper(string(intent.Currency)),
	}
	if intent.LastPaymentError != nil {
		out.Payload.FailureCode = firstNonBlank(string(intent.LastPaymentError.DeclineCode), string(intent.LastPaymentError.Code))
	}
	return nil
}

func mapDispute(event stripe.Event, out *domain.PaymentEvent, eventType domain.PaymentEventType) error {
	var dispute stripe.Dispute
	if err := decodeObject(event, &dispute); err != nil {
		return err
	}
	out.Type = eventType
	out.OrderReference = orderReference(dispute.Metadata, "")
	out.Payload = domain.PaymentEventPayload{
		DisputeID:     dispute.ID,
		DisputeAmount: dispute.Amount,
		DisputeReason: string(dispute.Reason),
		DisputeStatus: disputeStatus(dispute.Status),
		Currency:      strings.ToUpper(string(dispute.Currency)),
	}
	if dispute.PaymentIntent != nil {
		out.Payload.PaymentIntentID = dispute.PaymentIntent.ID
	}
	if dispute.EvidenceDetails != nil && dispute.EvidenceDetails.DueBy > 0 {
		due := time.Unix(dispute.EvidenceDetails.DueBy, 0).UTC()
		out.Payload.EvidenceDueBy = &due
	}
	if eventType == domain.PaymentEventDisputeResolved {
		out.Payload.DisputeOutcome = out.Payload.DisputeStatus
	}
	return nil
}

func mapChargeRefunded(event stripe.Event, out *domain.PaymentEvent) error {
	var charge stripe.Charge
	if err := decodeObject(event, &charge); err != nil {
		return err
	}
	out.Type = domain.PaymentEventRefundCompleted
	out.OrderReference = orderReference(charge.Metadata, "")
	out.Payload = domain.PaymentEventPayload{
		RefundAmount: charge.AmountRefunded,
		Currency:     strings.ToUpper(string(charge.Currency)),
	}
	if charge.PaymentIntent != nil {
		out.Payload.PaymentIntentID = charge.PaymentIntent.ID
	}
	if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
		out.Payload.RefundID = charge.Refunds.Data[0].ID
		out.Payload.RefundRequestID = refundRequestID(charge.Refunds.Data[0].Metadata)
	}
	return nil
}

// mapRefundUpdated only surfaces refunds that reached a terminal success; the refund metadata carries
// the order id set when the refund was requested.
func mapRefundUpdated(event stripe.Event, out *domain.PaymentEvent) error {
	var refund stripe.Refund
	if err := decodeObject(event, &refund); err != nil {
		return err
	}
	if refund.Status != stripe.RefundStatusSucceeded {
		return fmt.Errorf("%w: refund %s is %s", ErrWebhookIgnored, refund.ID, refund.Status)
	}
	out.Type = domain.PaymentEventRefundCompleted
	out.OrderReference = orderReference(refund.Metadata, "")
	out.Payload = domain.PaymentEventPayload{
		RefundID:        refund.ID,
		RefundAmount:    refund.Amount,
		Currency:        strings.ToUpper(string(refund.Currency)),
		RefundRequestID: refundRequestID(refund.Metadata),
	}
	if refund.PaymentIntent != nil {
		out.Payload.PaymentIntentID = refund.PaymentIntent.ID
	}
	return nil
}

func disputeStatus(status stripe.DisputeStatus) domain.DisputeStatus {
	switch string(status) {
	case "won", "warning_closed":
		return domain.DisputeStatusWon
	case "lost":
		return domain.DisputeStatusLost
	case "under_review", "warning_under_review":
		return domain.DisputeStatusUnderReview
	default:
		return domain.DisputeStatusOpen
	}
}

func orderReference(metadata map[string]string, fallback string) string {
	if metadata != nil {
		if id := strings.TrimSpace(metadata["order_id"]); id != "" {
			return id
		}
	}
	return strings.TrimSpace(fallback)
}

func refundRequestID(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata["refund_id"])
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

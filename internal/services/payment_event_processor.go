package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

const (
	paymentEventsInstrumentation = "github.com/synclune/api/internal/services"
	invalidationPaymentEvent     = "payment.event"
)

// PaymentEventProcessorDeps bundles collaborators required to construct the processor.
type PaymentEventProcessorDeps struct {
	Orders        repositories.OrderRepository
	History       repositories.OrderHistoryRepository
	Events        repositories.PaymentEventRepository
	Disputes      repositories.DisputeRepository
	Refunds       repositories.RefundRepository
	Ledger        StockLedger
	Discounts     DiscountService
	UnitOfWork    repositories.UnitOfWork
	Notifications NotificationSender
	Invalidations InvalidationPublisher
	Tracer        trace.Tracer
	Meter         metric.Meter
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentEventProcessor struct {
	orders        repositories.OrderRepository
	events        repositories.PaymentEventRepository
	disputes      repositories.DisputeRepository
	refunds       repositories.RefundRepository
	unitOfWork    repositories.UnitOfWork
	machine       orderStateMachine
	effects       lifecycleEffects
	notifications NotificationSender
	invalidations InvalidationPublisher
	tracer        trace.Tracer
	processed     metric.Int64Counter
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ PaymentEventProcessor = (*paymentEventProcessor)(nil)

// NewPaymentEventProcessor constructs the idempotent webhook processor.
func NewPaymentEventProcessor(deps PaymentEventProcessorDeps) (PaymentEventProcessor, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payment event processor: order repository is required")
	case deps.History == nil:
		return nil, errors.New("payment event processor: history repository is required")
	case deps.Events == nil:
		return nil, errors.New("payment event processor: event repository is required")
	case deps.Disputes == nil:
		return nil, errors.New("payment event processor: dispute repository is required")
	case deps.Refunds == nil:
		return nil, errors.New("payment event processor: refund repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("payment event processor: stock ledger is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("payment event processor: unit of work is required")
	}

	clock := utcClock(deps.Clock)
	newID := defaultIDGenerator(deps.IDGenerator)
	logger := defaultLogger(deps.Logger)

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(paymentEventsInstrumentation)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(paymentEventsInstrumentation)
	}
	processed, err := meter.Int64Counter(
		"payments.events.processed",
		metric.WithDescription("Count of payment processor events by type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("payment event processor: register metric: %w", err)
	}

	return &paymentEventProcessor{
		orders:     deps.Orders,
		events:     deps.Events,
		disputes:   deps.Disputes,
		refunds:    deps.Refunds,
		unitOfWork: deps.UnitOfWork,
		machine: orderStateMachine{
			orders:  deps.Orders,
			history: deps.History,
			clock:   clock,
			newID:   newID,
		},
		effects: lifecycleEffects{
			ledger:    deps.Ledger,
			discounts: deps.Discounts,
			logger:    logger,
		},
		notifications: deps.Notifications,
		invalidations: deps.Invalidations,
		tracer:        tracer,
		processed:     processed,
		clock:         clock,
		newID:         newID,
		logger:        logger,
	}, nil
}

// eventEffects collects what to announce once the event transaction commits.
type eventEffects struct {
	order     domain.Order
	movements []domain.StockMovement
	notify    domain.NotificationTemplate
}

// ApplyPaymentEvent records the event id and applies its effects in one transaction. A duplicate id
// is reported as already processed; a failed precondition is recorded as discarded and reported as
// rejected. Only fatal failures return an error, after the transaction rolled back.
func (p *paymentEventProcessor) ApplyPaymentEvent(ctx context.Context, event PaymentEvent) (PaymentEventResult, error) {
	event.ID = strings.TrimSpace(event.ID)
	if event.ID == "" {
		return PaymentEventResult{}, fmt.Errorf("%w: event id is required", ErrPaymentEventInvalid)
	}
	if !isKnownPaymentEvent(event.Type) {
		return PaymentEventResult{}, fmt.Errorf("%w: unsupported event type %q", ErrPaymentEventInvalid, event.Type)
	}

	ctx, span := p.tracer.Start(ctx, "payments.apply_event", trace.WithAttributes(
		attribute.String("payment.event.id", event.ID),
		attribute.String("payment.event.type", string(event.Type)),
	))
	defer span.End()

	result := PaymentEventResult{EventID: event.ID}
	var effects eventEffects

	err := p.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		result = PaymentEventResult{EventID: event.ID}
		effects = eventEffects{}

		inserted, err := p.events.Record(txCtx, domain.ProcessedEvent{
			EventID:     event.ID,
			Type:        event.Type,
			Outcome:     domain.PaymentEventOutcomePending,
			ProcessedAt: p.clock(),
		})
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if !inserted {
			result.Status = PaymentEventAlreadyProcessed
			return nil
		}

		reason, err := p.dispatch(txCtx, event, &effects)
		if err != nil {
			return err
		}
		result.OrderID = effects.order.ID

		outcome := domain.PaymentEventOutcomeApplied
		result.Status = PaymentEventApplied
		if reason != "" {
			outcome = domain.PaymentEventOutcomeDiscarded
			result.Status = PaymentEventRejected
			result.Detail = reason
		}
		if err := p.events.MarkOutcome(txCtx, event.ID, outcome, result.OrderID, reason); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment event failed")
		p.count(ctx, event.Type, "failed")
		p.logger(ctx, "payment.event.failed", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
			"orderRef":  event.OrderReference,
			"error":     err.Error(),
		})
		return PaymentEventResult{}, err
	}

	span.SetAttributes(attribute.String("payment.event.status", string(result.Status)))
	p.count(ctx, event.Type, string(result.Status))

	switch result.Status {
	case PaymentEventAlreadyProcessed:
		p.logger(ctx, "payment.event.duplicate", map[string]any{"eventId": event.ID, "eventType": string(event.Type)})
	case PaymentEventRejected:
		p.logger(ctx, "payment.event.discarded", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
			"orderId":   result.OrderID,
			"reason":    result.Detail,
		})
	case PaymentEventApplied:
		p.logger(ctx, "payment.event.applied", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
			"orderId":   result.OrderID,
		})
		publishInvalidation(ctx, p.invalidations, p.logger, InvalidationEvent{
			OrderID:    effects.order.ID,
			Keys:       orderCacheKeys(effects.order, effects.movements),
			Reason:     invalidationPaymentEvent,
			OccurredAt: p.clock(),
		})
		if effects.notify != "" {
			_ = sendNotification(ctx, p.notifications, p.logger, effects.order.ID, effects.notify)
		}
	}
	return result, nil
}

// dispatch runs the handler for the event type. A non-empty reason means the precondition failed and
// nothing but the event record was written.
func (p *paymentEventProcessor) dispatch(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	if event.Type == domain.PaymentEventDisputeResolved {
		return p.handleDisputeResolved(ctx, event, effects)
	}

	order, found, err := p.lockOrder(ctx, event)
	if err != nil {
		return "", err
	}
	if !found {
		return "order not found", nil
	}
	effects.order = order

	switch event.Type {
	case domain.PaymentEventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event, effects)
	case domain.PaymentEventPaymentFailed:
		return p.handlePaymentFailed(ctx, event, effects)
	case domain.PaymentEventDisputeOpened:
		return p.handleDisputeOpened(ctx, event, effects)
	case domain.PaymentEventDisputeUpdated:
		return p.handleDisputeUpdated(ctx, event, effects)
	case domain.PaymentEventRefundCompleted:
		return p.handleRefundCompleted(ctx, event, effects)
	}
	return "unsupported event type", nil
}

func (p *paymentEventProcessor) handleCheckoutCompleted(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	order := effects.order
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return fmt.Sprintf("order is %s/%s", order.Status, order.PaymentStatus), nil
	}

	payload := event.Payload
	if payload.CheckoutSessionID != "" {
		order.CheckoutSessionID = payload.CheckoutSessionID
	}
	if payload.PaymentIntentID != "" {
		order.PaymentIntentID = payload.PaymentIntentID
	}
	if payload.InvoiceID != "" {
		order.InvoiceID = payload.InvoiceID
	}
	if payload.AmountTotal > 0 && payload.AmountTotal != order.Total {
		p.logger(ctx, "payment.amount.mismatch", map[string]any{
			"eventId":  event.ID,
			"orderId":  order.ID,
			"expected": order.Total,
			"received": payload.AmountTotal,
		})
	}

	actor := eventActor(event)
	if err := p.transition(ctx, &order, domain.FieldPaymentStatus, string(domain.PaymentStatusPaid), actor, "checkout completed", effects); err != nil {
		return "", err
	}
	if err := p.transition(ctx, &order, domain.FieldStatus, string(domain.OrderStatusProcessing), actor, "payment confirmed", effects); err != nil {
		return "", err
	}
	return "", nil
}

func (p *paymentEventProcessor) handlePaymentFailed(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	order := effects.order
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return fmt.Sprintf("order is %s/%s", order.Status, order.PaymentStatus), nil
	}
	reason := "payment failed"
	if code := strings.TrimSpace(event.Payload.FailureCode); code != "" {
		reason = "payment failed: " + code
	}
	if err := p.transition(ctx, &order, domain.FieldPaymentStatus, string(domain.PaymentStatusFailed), eventActor(event), reason, effects); err != nil {
		return "", err
	}
	return "", nil
}

// handleDisputeOpened mirrors the dispute and moves the payment to DISPUTED. A dispute re-opened
// after a WON or LOST decision is accepted; a second dispute on an already disputed order is only
// mirrored.
func (p *paymentEventProcessor) handleDisputeOpened(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	order := effects.order
	if strings.TrimSpace(event.Payload.DisputeID) == "" {
		return "dispute id missing", nil
	}
	switch order.PaymentStatus {
	case domain.PaymentStatusPaid, domain.PaymentStatusWon, domain.PaymentStatusLost, domain.PaymentStatusDisputed:
	default:
		return fmt.Sprintf("payment is %s", order.PaymentStatus), nil
	}

	status := event.Payload.DisputeStatus
	if status == "" {
		status = domain.DisputeStatusOpen
	}
	if err := p.upsertDispute(ctx, order, event, status); err != nil {
		return "", err
	}
	if order.PaymentStatus == domain.PaymentStatusDisputed {
		return "", nil
	}
	if err := p.transition(ctx, &order, domain.FieldPaymentStatus, string(domain.PaymentStatusDisputed), eventActor(event), disputeReason(event), effects); err != nil {
		return "", err
	}
	return "", nil
}

func (p *paymentEventProcessor) handleDisputeUpdated(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	if strings.TrimSpace(event.Payload.DisputeID) == "" {
		return "dispute id missing", nil
	}
	status := event.Payload.DisputeStatus
	if status == "" {
		status = domain.DisputeStatusUnderReview
	}
	if err := p.upsertDispute(ctx, effects.order, event, status); err != nil {
		return "", err
	}
	return "", nil
}

// handleDisputeResolved requires the mirrored dispute. A lost dispute is treated like a refund: stock
// comes back unless fulfilment has started.
func (p *paymentEventProcessor) handleDisputeResolved(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	disputeID := strings.TrimSpace(event.Payload.DisputeID)
	outcome := event.Payload.DisputeOutcome
	if outcome != domain.DisputeStatusWon && outcome != domain.DisputeStatusLost {
		return fmt.Sprintf("dispute outcome %q is not final", outcome), nil
	}

	dispute, err := p.disputes.FindByExternalID(ctx, disputeID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return "dispute not found", nil
		}
		return "", mapRepositoryError(err, ErrOrderNotFound)
	}

	order, err := p.orders.FindByIDForUpdate(ctx, dispute.OrderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return "order not found", nil
		}
		return "", mapRepositoryError(err, ErrOrderNotFound)
	}
	effects.order = order

	if dispute.Status == outcome {
		return fmt.Sprintf("dispute already %s", outcome), nil
	}
	dispute.Status = outcome
	dispute.UpdatedAt = p.clock()
	if err := p.disputes.Upsert(ctx, dispute); err != nil {
		return "", mapRepositoryError(err, ErrOrderNotFound)
	}

	if order.PaymentStatus != domain.PaymentStatusDisputed {
		p.logger(ctx, "payment.dispute.resolved_without_transition", map[string]any{
			"eventId":       event.ID,
			"orderId":       order.ID,
			"paymentStatus": string(order.PaymentStatus),
		})
		return "", nil
	}

	target := domain.PaymentStatusWon
	if outcome == domain.DisputeStatusLost {
		target = domain.PaymentStatusLost
	}
	if err := p.transition(ctx, &order, domain.FieldPaymentStatus, string(target), eventActor(event), "dispute "+strings.ToLower(string(outcome)), effects); err != nil {
		return "", err
	}
	return "", nil
}

func (p *paymentEventProcessor) handleRefundCompleted(ctx context.Context, event PaymentEvent, effects *eventEffects) (string, error) {
	order := effects.order
	if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusDisputed {
		return fmt.Sprintf("payment is %s", order.PaymentStatus), nil
	}

	if err := p.completeRefundRequest(ctx, event.Payload); err != nil {
		return "", err
	}

	if err := p.transition(ctx, &order, domain.FieldPaymentStatus, string(domain.PaymentStatusRefunded), eventActor(event), "refund completed", effects); err != nil {
		return "", err
	}
	effects.notify = domain.TemplateRefundCompleted
	return "", nil
}

// completeRefundRequest marks the matching refund request COMPLETED. The processor id is saved only
// after the refund call returns, so a webhook that wins that race is matched by the local id from
// the refund metadata instead.
func (p *paymentEventProcessor) completeRefundRequest(ctx context.Context, payload domain.PaymentEventPayload) error {
	externalID := strings.TrimSpace(payload.RefundID)
	var (
		refund domain.RefundRequest
		err    error
		found  bool
	)
	if externalID != "" {
		refund, err = p.refunds.FindByExternalID(ctx, externalID)
		switch {
		case err == nil:
			found = true
		case !isRepositoryNotFound(err):
			return mapRepositoryError(err, ErrRefundNotFound)
		}
	}
	if !found {
		requestID := strings.TrimSpace(payload.RefundRequestID)
		if requestID == "" {
			return nil
		}
		refund, err = p.refunds.FindByIDForUpdate(ctx, requestID)
		switch {
		case isRepositoryNotFound(err):
			return nil
		case err != nil:
			return mapRepositoryError(err, ErrRefundNotFound)
		}
	}
	if refund.Status == domain.RefundStatusCompleted && refund.ExternalRefundID != "" {
		return nil
	}
	refund.Status = domain.RefundStatusCompleted
	refund.FailureReason = ""
	if refund.ExternalRefundID == "" {
		refund.ExternalRefundID = externalID
	}
	refund.UpdatedAt = p.clock()
	if err := p.refunds.Update(ctx, refund); err != nil {
		return mapRepositoryError(err, ErrRefundNotFound)
	}
	return nil
}

func (p *paymentEventProcessor) transition(ctx context.Context, order *domain.Order, field domain.StatusField, to, actor, reason string, effects *eventEffects) error {
	if _, err := p.machine.transition(ctx, order, field, to, actor, reason); err != nil {
		return err
	}
	outcome, err := p.effects.apply(ctx, order, field, to)
	if err != nil {
		return err
	}
	effects.order = *order
	effects.movements = append(effects.movements, outcome.stock.Movements...)
	return nil
}

// upsertDispute mirrors the processor dispute. Fields missing from a partial update keep their
// mirrored values.
func (p *paymentEventProcessor) upsertDispute(ctx context.Context, order domain.Order, event PaymentEvent, status domain.DisputeStatus) error {
	now := p.clock()
	payload := event.Payload
	dispute := domain.Dispute{
		ID:            disputeIDPrefix + p.newID(),
		OrderID:       order.ID,
		ExternalID:    strings.TrimSpace(payload.DisputeID),
		Amount:        payload.DisputeAmount,
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Currency)),
		ReasonCode:    strings.TrimSpace(payload.DisputeReason),
		Status:        status,
		EvidenceDueBy: payload.EvidenceDueBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	existing, err := p.disputes.FindByExternalID(ctx, dispute.ExternalID)
	switch {
	case err == nil:
		dispute.ID = existing.ID
		dispute.OrderID = existing.OrderID
		dispute.CreatedAt = existing.CreatedAt
		if dispute.Amount == 0 {
			dispute.Amount = existing.Amount
		}
		if dispute.Currency == "" {
			dispute.Currency = existing.Currency
		}
		if dispute.ReasonCode == "" {
			dispute.ReasonCode = existing.ReasonCode
		}
		if dispute.EvidenceDueBy == nil {
			dispute.EvidenceDueBy = existing.EvidenceDueBy
		}
	case !isRepositoryNotFound(err):
		return mapRepositoryError(err, ErrOrderNotFound)
	}

	if dispute.Currency == "" {
		dispute.Currency = order.Currency
	}
	if err := p.disputes.Upsert(ctx, dispute); err != nil {
		return mapRepositoryError(err, ErrOrderNotFound)
	}
	return nil
}

// lockOrder resolves the order by reference, falling back to the checkout session id and then the
// payment intent id, and takes the row lock.
func (p *paymentEventProcessor) lockOrder(ctx context.Context, event PaymentEvent) (domain.Order, bool, error) {
	orderID := strings.TrimSpace(event.OrderReference)
	if orderID == "" {
		var (
			order domain.Order
			err   error
		)
		switch {
		case event.Payload.CheckoutSessionID != "":
			order, err = p.orders.FindByCheckoutSession(ctx, event.Payload.CheckoutSessionID)
		case event.Payload.PaymentIntentID != "":
			order, err = p.orders.FindByPaymentIntent(ctx, event.Payload.PaymentIntentID)
		default:
			return domain.Order{}, false, nil
		}
		if err != nil {
			if isRepositoryNotFound(err) {
				return domain.Order{}, false, nil
			}
			return domain.Order{}, false, mapRepositoryError(err, ErrOrderNotFound)
		}
		orderID = order.ID
	}
	order, err := p.orders.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, true, nil
}

func (p *paymentEventProcessor) count(ctx context.Context, eventType domain.PaymentEventType, status string) {
	if p.processed == nil {
		return
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(eventType)),
		attribute.String("status", status),
	))
}

func eventActor(event PaymentEvent) string {
	return "event:" + event.ID
}

func disputeReason(event PaymentEvent) string {
	if code := strings.TrimSpace(event.Payload.DisputeReason); code != "" {
		return "dispute opened: " + code
	}
	return "dispute opened"
}

func isKnownPaymentEvent(t domain.PaymentEventType) bool {
	switch t {
	case domain.PaymentEventCheckoutCompleted,
		domain.PaymentEventPaymentFailed,
		domain.PaymentEventDisputeOpened,
		domain.PaymentEventDisputeUpdated,
		domain.PaymentEventDisputeResolved,
		domain.PaymentEventRefundCompleted:
		return true
	}
	return false
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/platform/textutil"
	"github.com/synclune/api/internal/repositories"
)

const (
	orderIDPrefix    = "ord_"
	historyIDPrefix  = "ohs_"
	movementIDPrefix = "stm_"
	usageIDPrefix    = "dsu_"
	disputeIDPrefix  = "dsp_"
	refundIDPrefix   = "rfd_"

	maxReasonLength = 500
)

var reasonPolicy = bluemonday.StrictPolicy()

// orderStateMachine is the single writer of order status fields. Callers must hold the order row
// lock inside an open unit of work; the update and its history row share that transaction.
type orderStateMachine struct {
	orders  repositories.OrderRepository
	history repositories.OrderHistoryRepository
	clock   func() time.Time
	newID   func() string
}

func (m orderStateMachine) transition(ctx context.Context, order *domain.Order, field domain.StatusField, to, actor, reason string) (domain.OrderHistory, error) {
	if err := domain.CheckTransition(*order, field, to); err != nil {
		return domain.OrderHistory{}, invalidTransition(err)
	}

	previous, _ := order.StatusValue(field)
	now := m.clock()
	next := order.WithStatusValue(field, to)
	next.UpdatedAt = now

	if err := m.orders.Update(ctx, next); err != nil {
		return domain.OrderHistory{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	if actor = strings.TrimSpace(actor); actor == "" {
		actor = domain.ActorSystem
	}
	entry := domain.OrderHistory{
		ID:            historyIDPrefix + m.newID(),
		OrderID:       order.ID,
		Field:         field,
		PreviousValue: previous,
		NewValue:      to,
		Actor:         actor,
		Reason:        sanitizeReason(reason),
		CreatedAt:     now,
	}
	if err := m.history.Append(ctx, entry); err != nil {
		return domain.OrderHistory{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	*order = next
	return entry, nil
}

// lifecycleEffects applies the stock and discount consequences of a realized transition within the
// same unit of work.
type lifecycleEffects struct {
	ledger    StockLedger
	discounts DiscountService
	logger    func(context.Context, string, map[string]any)
}

type effectOutcome struct {
	stock    StockAdjustment
	redeemed bool
}

func (e lifecycleEffects) apply(ctx context.Context, order *domain.Order, field domain.StatusField, to string) (effectOutcome, error) {
	var out effectOutcome
	switch {
	case field == domain.FieldPaymentStatus && to == string(domain.PaymentStatusPaid):
		if e.ledger != nil {
			adj, err := e.ledger.DecrementForOrder(ctx, order.ID)
			if err != nil {
				return out, err
			}
			out.stock = adj
			*order = adj.Order
		}
		if e.discounts != nil && order.DiscountID != "" {
			redeemed, err := e.discounts.Redeem(ctx, *order)
			if err != nil {
				return out, err
			}
			out.redeemed = redeemed
		}
	case restoresStock(order, field, to):
		if e.ledger != nil {
			adj, err := e.ledger.RestoreForOrder(ctx, order.ID)
			if err != nil {
				return out, err
			}
			out.stock = adj
			*order = adj.Order
		}
	}
	return out, nil
}

func restoresStock(order *domain.Order, field domain.StatusField, to string) bool {
	switch {
	case field == domain.FieldStatus && to == string(domain.OrderStatusCancelled):
		return true
	case field == domain.FieldPaymentStatus && (to == string(domain.PaymentStatusRefunded) || to == string(domain.PaymentStatusLost)):
		return !order.IsFulfilmentStarted()
	}
	return false
}

// orderCacheKeys lists the cache entries made stale by a change to the order.
func orderCacheKeys(order domain.Order, movements []domain.StockMovement) []string {
	keys := []string{
		"order:" + order.ID,
		"order:" + order.ID + ":history",
	}
	if order.CustomerID != "" {
		keys = append(keys, "customer:"+order.CustomerID+":orders")
	}
	seen := map[string]bool{}
	for _, m := range movements {
		if seen[m.SKUID] {
			continue
		}
		seen[m.SKUID] = true
		keys = append(keys, "sku:"+m.SKUID)
	}
	return keys
}

func publishInvalidation(ctx context.Context, publisher InvalidationPublisher, logger func(context.Context, string, map[string]any), event InvalidationEvent) {
	if publisher == nil || len(event.Keys) == 0 {
		return
	}
	if err := publisher.PublishInvalidation(ctx, event); err != nil {
		logger(ctx, "cache.invalidation.failed", map[string]any{
			"orderId": event.OrderID,
			"reason":  event.Reason,
			"error":   err.Error(),
		})
	}
}

func sendNotification(ctx context.Context, sender NotificationSender, logger func(context.Context, string, map[string]any), orderID string, template domain.NotificationTemplate) error {
	if sender == nil {
		return nil
	}
	if err := sender.Send(ctx, orderID, template); err != nil {
		logger(ctx, "notification.send.failed", map[string]any{
			"orderId":  orderID,
			"template": string(template),
			"error":    err.Error(),
		})
		return err
	}
	return nil
}

func sanitizeReason(reason string) string {
	cleaned := strings.TrimSpace(reasonPolicy.Sanitize(strings.TrimSpace(reason)))
	return textutil.Truncate(cleaned, maxReasonLength)
}

// compactDuration renders whole hours as "72h" and whole minutes as "30m".
func compactDuration(d time.Duration) string {
	switch {
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	default:
		return d.String()
	}
}

func runInTx(ctx context.Context, unit repositories.UnitOfWork, fn func(context.Context) error) error {
	if unit == nil {
		return fn(ctx)
	}
	return unit.RunInTx(ctx, fn)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func defaultIDGenerator(gen func() string) func() string {
	if gen != nil {
		return gen
	}
	return func() string {
		return ulid.Make().String()
	}
}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

func defaultLogger(logger func(context.Context, string, map[string]any)) func(context.Context, string, map[string]any) {
	if logger != nil {
		return logger
	}
	return func(context.Context, string, map[string]any) {}
}

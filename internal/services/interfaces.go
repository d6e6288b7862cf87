package services

import (
	"context"
	"time"

	domain "github.com/synclune/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                = domain.Order
	OrderItem            = domain.OrderItem
	OrderHistory         = domain.OrderHistory
	OrderContact         = domain.OrderContact
	Address              = domain.Address
	ProductSKU           = domain.ProductSKU
	StockMovement        = domain.StockMovement
	Discount             = domain.Discount
	DiscountUsage        = domain.DiscountUsage
	Dispute              = domain.Dispute
	RefundRequest        = domain.RefundRequest
	PaymentEvent         = domain.PaymentEvent
	ProcessedEvent       = domain.ProcessedEvent
	ReadinessReport      = domain.ReadinessReport
	StatusField          = domain.StatusField
	NotificationTemplate = domain.NotificationTemplate
)

// OrderService owns order creation and every admin-driven status transition.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListHistory(ctx context.Context, orderID string) ([]OrderHistory, error)
	TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	BulkTransition(ctx context.Context, cmds []TransitionOrderCommand) []TransitionResult
}

// CheckoutService creates an order and hands the customer over to the payment processor.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutResult, error)
}

// StockLedger is the only writer of SKU inventory for order-driven changes. Both operations must run
// inside the unit of work of the transition that motivates them and are idempotent per order.
type StockLedger interface {
	DecrementForOrder(ctx context.Context, orderID string) (StockAdjustment, error)
	RestoreForOrder(ctx context.Context, orderID string) (StockAdjustment, error)
}

// DiscountService validates codes at checkout and records redemptions at payment confirmation.
type DiscountService interface {
	Validate(ctx context.Context, cmd ValidateDiscountCommand) (DiscountQuote, error)
	Redeem(ctx context.Context, order Order) (bool, error)
}

// PaymentEventProcessor applies processor webhooks exactly once per event id.
type PaymentEventProcessor interface {
	ApplyPaymentEvent(ctx context.Context, event PaymentEvent) (PaymentEventResult, error)
}

// AbandonedOrderSweeper runs one bounded pass over unpaid orders.
type AbandonedOrderSweeper interface {
	Run(ctx context.Context) (SweepResult, error)
}

// RefundCoordinator records refund requests and applies admin decisions item by item.
type RefundCoordinator interface {
	RequestRefund(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error)
	ApproveRefunds(ctx context.Context, cmd RefundDecisionCommand) []RefundDecisionResult
	RejectRefunds(ctx context.Context, cmd RefundDecisionCommand) []RefundDecisionResult
	ListRefunds(ctx context.Context, orderID string) ([]RefundRequest, error)
}

// SystemService exposes readiness and build metadata for health endpoints.
type SystemService interface {
	Readiness(ctx context.Context) (ReadinessReport, error)
	Build() BuildInfo
}

// NotificationSender hands (order, template) pairs to the external messaging system. It never
// renders or delivers messages itself.
type NotificationSender interface {
	Send(ctx context.Context, orderID string, template NotificationTemplate) error
}

// InvalidationPublisher emits cache invalidation events after a transition commits.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, event InvalidationEvent) error
}

// InvalidationEvent lists cache keys made stale by a committed change.
type InvalidationEvent struct {
	OrderID    string
	Keys       []string
	Reason     string
	OccurredAt time.Time
}

// CartLine is one line of the cart snapshot submitted at checkout.
type CartLine struct {
	SKUID    string
	Quantity int
}

// CreateOrderCommand captures the cart snapshot and customer data submitted at checkout.
type CreateOrderCommand struct {
	CustomerID      string
	Contact         OrderContact
	ShippingAddress Address
	BillingAddress  Address
	Currency        string
	Lines           []CartLine
	ShippingTotal   int64
	DiscountCode    string
	ActorID         string
}

// StartCheckoutCommand extends order creation with the redirect targets of the payment page.
type StartCheckoutCommand struct {
	Order      CreateOrderCommand
	SuccessURL string
	CancelURL  string
	Locale     string
}

// CheckoutResult returns the created order and where to send the customer.
type CheckoutResult struct {
	Order       Order
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// TransitionOrderCommand requests one status field change. ExpectedValue, when set, must match the
// current value or the call fails with a conflict.
type TransitionOrderCommand struct {
	OrderID       string
	Field         StatusField
	TargetValue   string
	ExpectedValue *string
	ActorID       string
	Reason        string
}

// TransitionResult is one item of a bulk transition.
type TransitionResult struct {
	OrderID string
	Order   Order
	Err     error
}

// StockAdjustment reports what the ledger did for an order.
type StockAdjustment struct {
	Order     Order
	Applied   bool
	Movements []StockMovement
	Skipped   []string
}

// Units returns the absolute number of units moved.
func (a StockAdjustment) Units() int {
	total := 0
	for _, m := range a.Movements {
		if m.Delta < 0 {
			total -= m.Delta
		} else {
			total += m.Delta
		}
	}
	return total
}

// ValidateDiscountCommand is the read-only discount check performed at checkout.
type ValidateDiscountCommand struct {
	Code       string
	Subtotal   int64
	CustomerID string
}

// DiscountQuote is the outcome of a successful validation.
type DiscountQuote struct {
	Discount Discount
	Amount   int64
}

// PaymentEventStatus summarises what ApplyPaymentEvent did.
type PaymentEventStatus string

const (
	PaymentEventApplied          PaymentEventStatus = "applied"
	PaymentEventAlreadyProcessed PaymentEventStatus = "already_processed"
	PaymentEventRejected         PaymentEventStatus = "rejected"
)

// PaymentEventResult is returned for every event that was not a fatal failure.
type PaymentEventResult struct {
	EventID string
	OrderID string
	Status  PaymentEventStatus
	Detail  string
}

// SweepResult counts what one sweeper run did. MoreWork is set when a batch query returned a full
// page and the next run should continue.
type SweepResult struct {
	RemindersSent int
	Cancelled     int
	StockRestored int
	Errors        int
	MoreWork      bool
}

// RequestRefundCommand records a refund request raised by support tooling. Amount zero means the
// full order total.
type RequestRefundCommand struct {
	OrderID string
	Amount  int64
	Reason  string
	ActorID string
}

// RefundDecisionCommand approves or rejects a batch of refund requests.
type RefundDecisionCommand struct {
	RefundIDs []string
	ActorID   string
	Reason    string
}

// RefundDecisionResult is one item of a bulk refund decision.
type RefundDecisionResult struct {
	RefundID string
	Refund   RefundRequest
	Err      error
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

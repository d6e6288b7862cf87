package domain

import (
	"time"
)

// OrderStatus enumerates the commercial lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// PaymentStatus mirrors the payment processor view of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
	PaymentStatusDisputed PaymentStatus = "DISPUTED"
	PaymentStatusWon      PaymentStatus = "WON"
	PaymentStatusLost     PaymentStatus = "LOST"
)

// FulfillmentStatus tracks how much of an order has physically left the workshop.
type FulfillmentStatus string

const (
	FulfillmentStatusUnfulfilled        FulfillmentStatus = "UNFULFILLED"
	FulfillmentStatusPartiallyFulfilled FulfillmentStatus = "PARTIALLY_FULFILLED"
	FulfillmentStatusFulfilled          FulfillmentStatus = "FULFILLED"
)

// StatusField names one of the three independent status fields carried by an order.
type StatusField string

const (
	FieldStatus            StatusField = "status"
	FieldPaymentStatus     StatusField = "paymentStatus"
	FieldFulfillmentStatus StatusField = "fulfillmentStatus"
)

// Actor identifiers used when the engine itself drives a transition.
const (
	ActorSystem = "system"
)

// Address is the denormalised postal snapshot captured at order time.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
	Phone      string
}

// OrderContact stores the customer contact snapshot captured at order time.
type OrderContact struct {
	Email string
	Name  string
	Phone string
}

// Order is the aggregate root of the lifecycle engine. Contact and address snapshots are
// immutable after creation.
type Order struct {
	ID                 string
	Number             string
	CustomerID         string
	Currency           string
	Subtotal           int64
	DiscountTotal      int64
	ShippingTotal      int64
	Total              int64
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	FulfillmentStatus  FulfillmentStatus
	Contact            OrderContact
	ShippingAddress    Address
	BillingAddress     Address
	DiscountID         string
	DiscountCode       string
	CheckoutSessionID  string
	PaymentIntentID    string
	InvoiceID          string
	StockDecrementedAt *time.Time
	StockRestoredAt    *time.Time
	ReminderSentAt     *time.Time
	Items              []OrderItem
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// StatusValue returns the current value of the given status field.
func (o Order) StatusValue(field StatusField) (string, bool) {
	switch field {
	case FieldStatus:
		return string(o.Status), true
	case FieldPaymentStatus:
		return string(o.PaymentStatus), true
	case FieldFulfillmentStatus:
		return string(o.FulfillmentStatus), true
	default:
		return "", false
	}
}

// WithStatusValue returns a copy of the order with the given field set to value.
func (o Order) WithStatusValue(field StatusField, value string) Order {
	switch field {
	case FieldStatus:
		o.Status = OrderStatus(value)
	case FieldPaymentStatus:
		o.PaymentStatus = PaymentStatus(value)
	case FieldFulfillmentStatus:
		o.FulfillmentStatus = FulfillmentStatus(value)
	}
	return o
}

// IsFulfilmentStarted reports whether any goods have left the workshop.
func (o Order) IsFulfilmentStarted() bool {
	if o.FulfillmentStatus != "" && o.FulfillmentStatus != FulfillmentStatusUnfulfilled {
		return true
	}
	return o.Status == OrderStatusShipped || o.Status == OrderStatusDelivered
}

// OrderItem is an immutable line item. Title and price are snapshots decoupled from the catalog.
type OrderItem struct {
	ID           string
	OrderID      string
	SKUID        string
	ProductTitle string
	Quantity     int
	UnitPrice    int64
}

// LineTotal returns quantity multiplied by unit price.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// OrderHistory is an append-only record of one status transition.
type OrderHistory struct {
	ID            string
	OrderID       string
	Field         StatusField
	PreviousValue string
	NewValue      string
	Actor         string
	Reason        string
	CreatedAt     time.Time
}

// ProductSKU is the stock ledger subject. Inventory is never negative.
type ProductSKU struct {
	ID           string
	ProductTitle string
	Price        int64
	Inventory    int
	Active       bool
	UpdatedAt    time.Time
}

// StockMovementKind distinguishes ledger entries.
type StockMovementKind string

const (
	StockMovementDecrement StockMovementKind = "decrement"
	StockMovementRestore   StockMovementKind = "restore"
)

// StockMovement records one delta actually applied to a SKU on behalf of an order.
type StockMovement struct {
	ID        string
	OrderID   string
	SKUID     string
	Delta     int
	Kind      StockMovementKind
	CreatedAt time.Time
}

// DisputeStatus mirrors the payment processor dispute lifecycle.
type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "OPEN"
	DisputeStatusUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeStatusWon         DisputeStatus = "WON"
	DisputeStatusLost        DisputeStatus = "LOST"
)

// Dispute is a chargeback mirrored from the payment processor. Never created locally.
type Dispute struct {
	ID            string
	OrderID       string
	ExternalID    string
	Amount        int64
	Currency      string
	ReasonCode    string
	Status        DisputeStatus
	EvidenceDueBy *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DiscountType selects the discount arithmetic.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "PERCENTAGE"
	DiscountTypeFixed      DiscountType = "FIXED"
)

// Discount defines a promotional code and its constraints. Value is a percentage (0-100) or a
// fixed amount in minor units depending on Type.
type Discount struct {
	ID               string
	Code             string
	Type             DiscountType
	Value            int64
	MinSubtotal      int64
	MaxUses          *int
	PerCustomerLimit *int
	StartsAt         *time.Time
	EndsAt           *time.Time
	Active           bool
	CreatedAt        time.Time
}

// DiscountUsage is created exactly once per paid order that redeemed a code.
type DiscountUsage struct {
	ID         string
	DiscountID string
	OrderID    string
	CustomerID string
	CreatedAt  time.Time
}

// RefundStatus tracks an admin-reviewed refund request.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusApproved  RefundStatus = "APPROVED"
	RefundStatusRejected  RefundStatus = "REJECTED"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// RefundRequest is a request for money back awaiting a human decision.
type RefundRequest struct {
	ID               string
	OrderID          string
	Amount           int64
	Currency         string
	Reason           string
	Status           RefundStatus
	ExternalRefundID string
	RequestedBy      string
	DecidedBy        string
	DecidedAt        *time.Time
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PaymentEventType enumerates the processor events understood by the engine.
type PaymentEventType string

const (
	PaymentEventCheckoutCompleted PaymentEventType = "checkout.completed"
	PaymentEventPaymentFailed     PaymentEventType = "payment.failed"
	PaymentEventDisputeOpened     PaymentEventType = "dispute.opened"
	PaymentEventDisputeUpdated    PaymentEventType = "dispute.updated"
	PaymentEventDisputeResolved   PaymentEventType = "dispute.resolved"
	PaymentEventRefundCompleted   PaymentEventType = "refund.completed"
)

// PaymentEventPayload carries the normalised fields extracted from a processor event.
type PaymentEventPayload struct {
	CheckoutSessionID string
	PaymentIntentID   string
	InvoiceID         string
	AmountTotal       int64
	Currency          string

	DisputeID      string
	DisputeAmount  int64
	DisputeReason  string
	DisputeStatus  DisputeStatus
	EvidenceDueBy  *time.Time
	DisputeOutcome DisputeStatus

	RefundID     string
	RefundAmount int64
	FailureCode  string
	// RefundRequestID is the local refund request id echoed back from the refund metadata.
	RefundRequestID string
}

// PaymentEvent is an at-least-once delivered processor notification.
type PaymentEvent struct {
	ID             string
	Type           PaymentEventType
	OrderReference string
	Payload        PaymentEventPayload
	ReceivedAt     time.Time
}

// PaymentEventOutcome records what processing did with an event.
type PaymentEventOutcome string

const (
	PaymentEventOutcomePending   PaymentEventOutcome = "pending"
	PaymentEventOutcomeApplied   PaymentEventOutcome = "applied"
	PaymentEventOutcomeDiscarded PaymentEventOutcome = "discarded"
)

// ProcessedEvent is the durable idempotency record for a payment event id.
type ProcessedEvent struct {
	EventID     string
	Type        PaymentEventType
	OrderID     string
	Outcome     PaymentEventOutcome
	Detail      string
	ProcessedAt time.Time
}

// NotificationTemplate names a message the external sender knows how to render.
type NotificationTemplate string

const (
	TemplatePaymentReminder NotificationTemplate = "payment_reminder"
	TemplateOrderCancelled  NotificationTemplate = "order_cancelled"
	TemplateRefundCompleted NotificationTemplate = "refund_completed"
)

package repositories

import (
	"context"
	"time"

	domain "github.com/synclune/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Orders() OrderRepository
	OrderHistory() OrderHistoryRepository
	Stock() StockRepository
	Discounts() DiscountRepository
	DiscountUsage() DiscountUsageRepository
	PaymentEvents() PaymentEventRepository
	Disputes() DisputeRepository
	Refunds() RefundRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
	// IsDuplicateKey narrows IsConflict to unique constraint violations. Lock contention
	// conflicts report false.
	IsDuplicateKey() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary. Repositories
// invoked with the context passed to fn participate in the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AbandonedOrderFilter selects unpaid pending orders by creation time.
type AbandonedOrderFilter struct {
	// CreatedAtOrBefore is inclusive.
	CreatedAtOrBefore time.Time
	// CreatedAfter is exclusive; zero means unbounded.
	CreatedAfter time.Time
	// OnlyWithoutReminder skips orders that already received a reminder.
	OnlyWithoutReminder bool
	Limit               int
}

// OrderRepository persists orders together with their immutable line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIDForUpdate loads the order and holds a row lock until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) error
	ListAbandoned(ctx context.Context, filter AbandonedOrderFilter) ([]domain.Order, error)
}

// OrderHistoryRepository appends immutable transition records.
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderHistory, error)
}

// StockRepository mutates SKU inventory through relative deltas.
type StockRepository interface {
	FindSKU(ctx context.Context, skuID string) (domain.ProductSKU, error)
	// ApplyDelta adds delta to the SKU inventory, clamping at zero. It returns the delta actually
	// applied. A missing SKU yields a not-found RepositoryError.
	ApplyDelta(ctx context.Context, skuID string, delta int) (int, error)
	RecordMovement(ctx context.Context, movement domain.StockMovement) error
	ListMovements(ctx context.Context, orderID string) ([]domain.StockMovement, error)
}

// DiscountRepository reads discount definitions.
type DiscountRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Discount, error)
	FindByID(ctx context.Context, discountID string) (domain.Discount, error)
}

// DiscountUsageRepository counts and records redemptions. Counts are always derived from rows.
type DiscountUsageRepository interface {
	CountByDiscount(ctx context.Context, discountID string) (int, error)
	CountByDiscountAndCustomer(ctx context.Context, discountID, customerID string) (int, error)
	// Insert records a usage; a second usage for the same order yields a conflict RepositoryError.
	Insert(ctx context.Context, usage domain.DiscountUsage) error
}

// PaymentEventRepository is the durable record of processed payment event ids.
type PaymentEventRepository interface {
	// Record inserts the event id. It returns false without error when the id already exists.
	Record(ctx context.Context, event domain.ProcessedEvent) (bool, error)
	MarkOutcome(ctx context.Context, eventID string, outcome domain.PaymentEventOutcome, orderID, detail string) error
	FindByID(ctx context.Context, eventID string) (domain.ProcessedEvent, error)
}

// DisputeRepository mirrors processor disputes.
type DisputeRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (domain.Dispute, error)
	Upsert(ctx context.Context, dispute domain.Dispute) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Dispute, error)
}

// RefundRepository stores refund requests awaiting or past an admin decision.
type RefundRepository interface {
	Insert(ctx context.Context, refund domain.RefundRequest) error
	FindByID(ctx context.Context, refundID string) (domain.RefundRequest, error)
	FindByIDForUpdate(ctx context.Context, refundID string) (domain.RefundRequest, error)
	FindByExternalID(ctx context.Context, externalID string) (domain.RefundRequest, error)
	Update(ctx context.Context, refund domain.RefundRequest) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error)
}

// CounterRepository provides atomic sequence generation.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// Package memory provides an in-process repository registry used by tests and local runs.
// Transactions are serialised and rolled back from snapshots.
package memory

import (
	"context"
	"errors"
	"sync"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

type state struct {
	orders    map[string]domain.Order
	history   []domain.OrderHistory
	skus      map[string]domain.ProductSKU
	movements []domain.StockMovement
	discounts map[string]domain.Discount
	usages    []domain.DiscountUsage
	events    map[string]domain.ProcessedEvent
	disputes  map[string]domain.Dispute
	refunds   map[string]domain.RefundRequest
	counters  map[string]int64
}

func newState() *state {
	return &state{
		orders:    make(map[string]domain.Order),
		skus:      make(map[string]domain.ProductSKU),
		discounts: make(map[string]domain.Discount),
		events:    make(map[string]domain.ProcessedEvent),
		disputes:  make(map[string]domain.Dispute),
		refunds:   make(map[string]domain.RefundRequest),
		counters:  make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.orders {
		out.orders[k] = cloneOrder(v)
	}
	out.history = append([]domain.OrderHistory(nil), s.history...)
	for k, v := range s.skus {
		out.skus[k] = v
	}
	out.movements = append([]domain.StockMovement(nil), s.movements...)
	for k, v := range s.discounts {
		out.discounts[k] = v
	}
	out.usages = append([]domain.DiscountUsage(nil), s.usages...)
	for k, v := range s.events {
		out.events[k] = v
	}
	for k, v := range s.disputes {
		out.disputes[k] = v
	}
	for k, v := range s.refunds {
		out.refunds[k] = v
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	return order
}

type txKey struct{}

// Registry implements repositories.Registry in memory.
type Registry struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{data: newState()}
}

func (r *Registry) Close(context.Context) error { return nil }
func (r *Registry) Ping(context.Context) error  { return nil }

func (r *Registry) Orders() repositories.OrderRepository                { return orderRepo{r} }
func (r *Registry) OrderHistory() repositories.OrderHistoryRepository   { return historyRepo{r} }
func (r *Registry) Stock() repositories.StockRepository                 { return stockRepo{r} }
func (r *Registry) Discounts() repositories.DiscountRepository          { return discountRepo{r} }
func (r *Registry) DiscountUsage() repositories.DiscountUsageRepository { return usageRepo{r} }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository  { return eventRepo{r} }
func (r *Registry) Disputes() repositories.DisputeRepository            { return disputeRepo{r} }
func (r *Registry) Refunds() repositories.RefundRepository              { return refundRepo{r} }
func (r *Registry) Counters() repositories.CounterRepository            { return counterRepo{r} }

// RunInTx serialises fn against every other transaction and restores the previous state when fn
// fails. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if inTx(ctx) {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	snapshot := r.data.clone()
	r.mu.RUnlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.restore(snapshot)
			panic(rec)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

func (r *Registry) restore(snapshot *state) {
	r.mu.Lock()
	r.data = snapshot
	r.mu.Unlock()
}

func inTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// write runs fn with exclusive access to the data. Writes outside a transaction still wait for
// running transactions so a rollback never discards them.
func (r *Registry) write(ctx context.Context, fn func(s *state) error) error {
	if !inTx(ctx) {
		r.txMu.Lock()
		defer r.txMu.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.data)
}

func (r *Registry) read(fn func(s *state) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(r.data)
}

// PutSKU seeds or replaces a SKU.
func (r *Registry) PutSKU(sku domain.ProductSKU) {
	_ = r.write(context.Background(), func(s *state) error {
		s.skus[sku.ID] = sku
		return nil
	})
}

// DeleteSKU removes a SKU, simulating a deleted product.
func (r *Registry) DeleteSKU(id string) {
	_ = r.write(context.Background(), func(s *state) error {
		delete(s.skus, id)
		return nil
	})
}

// PutDiscount seeds or replaces a discount.
func (r *Registry) PutDiscount(discount domain.Discount) {
	_ = r.write(context.Background(), func(s *state) error {
		s.discounts[discount.ID] = discount
		return nil
	})
}

// PutOrder seeds or replaces an order as-is, bypassing validation.
func (r *Registry) PutOrder(order domain.Order) {
	_ = r.write(context.Background(), func(s *state) error {
		s.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

// Inventory returns the current count for a SKU and whether it exists.
func (r *Registry) Inventory(id string) (int, bool) {
	var (
		count int
		ok    bool
	)
	_ = r.read(func(s *state) error {
		var sku domain.ProductSKU
		sku, ok = s.skus[id]
		count = sku.Inventory
		return nil
	})
	return count, ok
}

// HistoryCount returns how many transition rows exist for an order.
func (r *Registry) HistoryCount(orderID string) int {
	n := 0
	_ = r.read(func(s *state) error {
		for _, entry := range s.history {
			if entry.OrderID == orderID {
				n++
			}
		}
		return nil
	})
	return n
}

// UsageCount returns how many redemption rows exist for a discount.
func (r *Registry) UsageCount(discountID string) int {
	n := 0
	_ = r.read(func(s *state) error {
		for _, usage := range s.usages {
			if usage.DiscountID == discountID {
				n++
			}
		}
		return nil
	})
	return n
}

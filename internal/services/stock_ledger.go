package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

// StockLedgerDeps bundles collaborators required to construct the stock ledger.
type StockLedgerDeps struct {
	Orders      repositories.OrderRepository
	Stock       repositories.StockRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	orders     repositories.OrderRepository
	stock      repositories.StockRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ StockLedger = (*stockLedger)(nil)

// NewStockLedger constructs the ledger. Idempotency is tracked through the order's stock flags.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Orders == nil {
		return nil, errors.New("stock ledger: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	return &stockLedger{
		orders:     deps.Orders,
		stock:      deps.Stock,
		unitOfWork: unit,
		clock:      utcClock(deps.Clock),
		newID:      defaultIDGenerator(deps.IDGenerator),
		logger:     defaultLogger(deps.Logger),
	}, nil
}

func (l *stockLedger) DecrementForOrder(ctx context.Context, orderID string) (StockAdjustment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return StockAdjustment{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var out StockAdjustment
	err := runInTx(ctx, l.unitOfWork, func(txCtx context.Context) error {
		order, err := l.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.StockDecrementedAt != nil {
			l.logger(txCtx, "stock.decrement.skipped", map[string]any{"orderId": orderID})
			out = StockAdjustment{Order: order}
			return nil
		}

		now := l.clock()
		adj := StockAdjustment{Applied: true}
		quantities := aggregateQuantities(order.Items)
		for _, skuID := range sortedSKUs(quantities) {
			requested := quantities[skuID]
			applied, err := l.stock.ApplyDelta(txCtx, skuID, -requested)
			if err != nil {
				if isRepositoryNotFound(err) {
					l.logger(txCtx, "stock.sku.missing", map[string]any{"orderId": orderID, "skuId": skuID})
					adj.Skipped = append(adj.Skipped, skuID)
					continue
				}
				return mapRepositoryError(err, ErrOrderNotFound)
			}
			if -applied < requested {
				l.logger(txCtx, "stock.oversold", map[string]any{
					"orderId":   orderID,
					"skuId":     skuID,
					"requested": requested,
					"applied":   -applied,
				})
			}
			movement, err := l.record(txCtx, orderID, skuID, applied, domain.StockMovementDecrement, now)
			if err != nil {
				return err
			}
			adj.Movements = append(adj.Movements, movement)
		}

		order.StockDecrementedAt = &now
		order.UpdatedAt = now
		if err := l.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		adj.Order = order
		out = adj
		return nil
	})
	if err != nil {
		return StockAdjustment{}, err
	}
	return out, nil
}

// RestoreForOrder adds back exactly what the decrement removed for the order. An order that was never
// decremented or was already restored is left untouched.
func (l *stockLedger) RestoreForOrder(ctx context.Context, orderID string) (StockAdjustment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return StockAdjustment{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var out StockAdjustment
	err := runInTx(ctx, l.unitOfWork, func(txCtx context.Context) error {
		order, err := l.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.StockDecrementedAt == nil || order.StockRestoredAt != nil {
			l.logger(txCtx, "stock.restore.skipped", map[string]any{
				"orderId":     orderID,
				"decremented": order.StockDecrementedAt != nil,
				"restored":    order.StockRestoredAt != nil,
			})
			out = StockAdjustment{Order: order}
			return nil
		}

		movements, err := l.stock.ListMovements(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		removed := make(map[string]int)
		for _, m := range movements {
			if m.Kind == domain.StockMovementDecrement {
				removed[m.SKUID] -= m.Delta
			}
		}

		now := l.clock()
		adj := StockAdjustment{Applied: true}
		for _, skuID := range sortedSKUs(removed) {
			quantity := removed[skuID]
			if quantity <= 0 {
				continue
			}
			applied, err := l.stock.ApplyDelta(txCtx, skuID, quantity)
			if err != nil {
				if isRepositoryNotFound(err) {
					l.logger(txCtx, "stock.sku.missing", map[string]any{"orderId": orderID, "skuId": skuID})
					adj.Skipped = append(adj.Skipped, skuID)
					continue
				}
				return mapRepositoryError(err, ErrOrderNotFound)
			}
			movement, err := l.record(txCtx, orderID, skuID, applied, domain.StockMovementRestore, now)
			if err != nil {
				return err
			}
			adj.Movements = append(adj.Movements, movement)
		}

		order.StockRestoredAt = &now
		order.UpdatedAt = now
		if err := l.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		adj.Order = order
		out = adj
		return nil
	})
	if err != nil {
		return StockAdjustment{}, err
	}
	return out, nil
}

func (l *stockLedger) record(ctx context.Context, orderID, skuID string, delta int, kind domain.StockMovementKind, now time.Time) (domain.StockMovement, error) {
	movement := domain.StockMovement{
		ID:        movementIDPrefix + l.newID(),
		OrderID:   orderID,
		SKUID:     skuID,
		Delta:     delta,
		Kind:      kind,
		CreatedAt: now,
	}
	if err := l.stock.RecordMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return movement, nil
}

func aggregateQuantities(items []domain.OrderItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 || strings.TrimSpace(item.SKUID) == "" {
			continue
		}
		out[item.SKUID] += item.Quantity
	}
	return out
}

// sortedSKUs fixes the lock order on SKU rows so concurrent orders cannot deadlock each other.
func sortedSKUs(quantities map[string]int) []string {
	keys := make([]string, 0, len(quantities))
	for k := range quantities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

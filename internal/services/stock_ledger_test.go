package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/synclune/api/internal/domain"
)

func TestStockLedgerDecrementIsIdempotent(t *testing.T) {
	l := newLifecycle(t)
	l.putSKU("sku_a", 5, 1000)
	l.putSKU("sku_b", 5, 1000)
	order := l.createOrder(orderCommand(CartLine{SKUID: "sku_b", Quantity: 1}, CartLine{SKUID: "sku_a", Quantity: 3}))

	first, err := l.ledger.DecrementForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !first.Applied || len(first.Movements) != 2 || first.Units() != 4 {
		t.Fatalf("unexpected adjustment %+v", first)
	}
	if first.Movements[0].SKUID != "sku_a" {
		t.Fatalf("expected skus processed in sorted order, got %s first", first.Movements[0].SKUID)
	}
	if first.Order.StockDecrementedAt == nil {
		t.Fatalf("expected decrement flag on returned order")
	}

	second, err := l.ledger.DecrementForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	if second.Applied || len(second.Movements) != 0 {
		t.Fatalf("expected second decrement to be a no-op, got %+v", second)
	}
	if l.inventory("sku_a") != 2 || l.inventory("sku_b") != 4 {
		t.Fatalf("unexpected inventory a=%d b=%d", l.inventory("sku_a"), l.inventory("sku_b"))
	}
}

func TestStockLedgerRestoreIsIdempotent(t *testing.T) {
	l := newLifecycle(t)
	l.putSKU("sku_a", 5, 1000)
	order := l.createOrder(orderCommand(CartLine{SKUID: "sku_a", Quantity: 2}))

	if _, err := l.ledger.DecrementForOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := l.ledger.RestoreForOrder(context.Background(), order.ID); err != nil {
			t.Fatalf("restore %d: %v", i, err)
		}
	}
	if got := l.inventory("sku_a"); got != 5 {
		t.Fatalf("expected inventory 5 after double restore, got %d", got)
	}

	movements, err := l.reg.Stock().ListMovements(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected one decrement and one restore movement, got %d", len(movements))
	}
}

func TestStockLedgerRestoreWithoutDecrementIsNoop(t *testing.T) {
	l := newLifecycle(t)
	l.putSKU("sku_a", 5, 1000)
	order := l.createOrder(orderCommand(CartLine{SKUID: "sku_a", Quantity: 2}))

	adj, err := l.ledger.RestoreForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if adj.Applied {
		t.Fatalf("expected nothing to restore")
	}
	if got := l.inventory("sku_a"); got != 5 {
		t.Fatalf("expected untouched inventory, got %d", got)
	}
	if adj.Order.StockRestoredAt != nil {
		t.Fatalf("restore flag must stay unset when nothing was decremented")
	}
}

func TestStockLedgerOversellClampsAndRestoresAppliedOnly(t *testing.T) {
	l := newLifecycle(t)
	l.putSKU("sku_a", 5, 1000)
	order := l.createOrder(orderCommand(CartLine{SKUID: "sku_a", Quantity: 3}))
	l.putSKU("sku_a", 1, 1000)

	adj, err := l.ledger.DecrementForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if adj.Units() != 1 {
		t.Fatalf("expected only the remaining unit to be taken, got %d", adj.Units())
	}
	if got := l.inventory("sku_a"); got != 0 {
		t.Fatalf("expected clamp at zero, got %d", got)
	}
	if !l.logs.Has("stock.oversold") {
		t.Fatalf("expected oversell to be logged")
	}

	if _, err := l.ledger.RestoreForOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := l.inventory("sku_a"); got != 1 {
		t.Fatalf("expected restore of applied units only, got %d", got)
	}
}

func TestStockLedgerSkipsDeletedSKU(t *testing.T) {
	l := newLifecycle(t)
	l.putSKU("sku_a", 5, 1000)
	l.putSKU("sku_gone", 5, 1000)
	order := l.createOrder(orderCommand(CartLine{SKUID: "sku_a", Quantity: 1}, CartLine{SKUID: "sku_gone", Quantity: 1}))
	l.reg.DeleteSKU("sku_gone")

	adj, err := l.ledger.DecrementForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if len(adj.Skipped) != 1 || adj.Skipped[0] != "sku_gone" {
		t.Fatalf("expected deleted sku skipped, got %+v", adj.Skipped)
	}
	if got := l.inventory("sku_a"); got != 4 {
		t.Fatalf("expected remaining skus adjusted, got %d", got)
	}
	if !l.logs.Has("stock.sku.missing") {
		t.Fatalf("expected missing sku to be logged")
	}
}

func TestStockLedgerValidatesOrder(t *testing.T) {
	l := newLifecycle(t)
	if _, err := l.ledger.DecrementForOrder(context.Background(), ""); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
	if _, err := l.ledger.RestoreForOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestStockAdjustmentUnits(t *testing.T) {
	adj := StockAdjustment{Movements: []domain.StockMovement{{Delta: -2}, {Delta: 3}}}
	if got := adj.Units(); got != 5 {
		t.Fatalf("expected 5 units, got %d", got)
	}
}

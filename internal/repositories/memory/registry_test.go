package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

func TestRunInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.PutSKU(domain.ProductSKU{ID: "sku_1", Inventory: 5})

	boom := errors.New("boom")
	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		applied, err := reg.Stock().ApplyDelta(ctx, "sku_1", -2)
		require.NoError(t, err)
		require.Equal(t, -2, applied)
		require.NoError(t, reg.OrderHistory().Append(ctx, domain.OrderHistory{ID: "h1", OrderID: "ord_1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	inventory, ok := reg.Inventory("sku_1")
	require.True(t, ok)
	assert.Equal(t, 5, inventory)
	assert.Zero(t, reg.HistoryCount("ord_1"))
}

func TestRunInTxNestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.PutSKU(domain.ProductSKU{ID: "sku_1", Inventory: 5})

	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		return reg.RunInTx(ctx, func(ctx context.Context) error {
			_, err := reg.Stock().ApplyDelta(ctx, "sku_1", -1)
			return err
		})
	})
	require.NoError(t, err)
	inventory, _ := reg.Inventory("sku_1")
	assert.Equal(t, 4, inventory)
}

func TestApplyDeltaClampsAtZero(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.PutSKU(domain.ProductSKU{ID: "sku_1", Inventory: 2})

	applied, err := reg.Stock().ApplyDelta(ctx, "sku_1", -5)
	require.NoError(t, err)
	assert.Equal(t, -2, applied)
	inventory, _ := reg.Inventory("sku_1")
	assert.Zero(t, inventory)

	_, err = reg.Stock().ApplyDelta(ctx, "missing", -1)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestPaymentEventRecordIsUnique(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	event := domain.ProcessedEvent{EventID: "evt_1", Type: domain.PaymentEventCheckoutCompleted}

	inserted, err := reg.PaymentEvents().Record(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = reg.PaymentEvents().Record(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestDiscountUsageConflictPerOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	usage := domain.DiscountUsage{ID: "u1", DiscountID: "d1", OrderID: "ord_1", CustomerID: "c1"}
	require.NoError(t, reg.DiscountUsage().Insert(ctx, usage))

	usage.ID = "u2"
	err := reg.DiscountUsage().Insert(ctx, usage)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
	assert.True(t, repoErr.IsDuplicateKey())
	assert.Equal(t, 1, reg.UsageCount("d1"))
}

func TestFindByIDForUpdateRequiresTx(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.PutOrder(domain.Order{ID: "ord_1"})

	_, err := reg.Orders().FindByIDForUpdate(ctx, "ord_1")
	require.ErrorIs(t, err, errTxRequired)

	err = reg.RunInTx(ctx, func(ctx context.Context) error {
		order, err := reg.Orders().FindByIDForUpdate(ctx, "ord_1")
		require.NoError(t, err)
		assert.Equal(t, "ord_1", order.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestListAbandonedFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-time.Hour)

	pending := func(id string, age time.Duration) domain.Order {
		return domain.Order{
			ID:                id,
			Status:            domain.OrderStatusPending,
			PaymentStatus:     domain.PaymentStatusPending,
			FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
			CreatedAt:         now.Add(-age),
		}
	}
	reg.PutOrder(pending("ord_80h", 80*time.Hour))
	reg.PutOrder(pending("ord_72h", 72*time.Hour))
	reg.PutOrder(pending("ord_30h", 30*time.Hour))
	reminded := pending("ord_40h", 40*time.Hour)
	reminded.ReminderSentAt = &sent
	reg.PutOrder(reminded)
	paid := pending("ord_paid", 90*time.Hour)
	paid.PaymentStatus = domain.PaymentStatusPaid
	reg.PutOrder(paid)

	cancel, err := reg.Orders().ListAbandoned(ctx, repositories.AbandonedOrderFilter{
		CreatedAtOrBefore: now.Add(-72 * time.Hour),
		Limit:             10,
	})
	require.NoError(t, err)
	require.Len(t, cancel, 2)
	assert.Equal(t, "ord_80h", cancel[0].ID)
	assert.Equal(t, "ord_72h", cancel[1].ID)

	remind, err := reg.Orders().ListAbandoned(ctx, repositories.AbandonedOrderFilter{
		CreatedAtOrBefore:   now.Add(-24 * time.Hour),
		CreatedAfter:        now.Add(-72 * time.Hour),
		OnlyWithoutReminder: true,
		Limit:               10,
	})
	require.NoError(t, err)
	require.Len(t, remind, 1)
	assert.Equal(t, "ord_30h", remind[0].ID)

	limited, err := reg.Orders().ListAbandoned(ctx, repositories.AbandonedOrderFilter{
		CreatedAtOrBefore: now,
		Limit:             1,
	})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ord_80h", limited[0].ID)
}

func TestCounterNext(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	first, err := reg.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	second, err := reg.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	_, err = reg.Counters().Next(ctx, "orders", 0)
	require.Error(t, err)
}

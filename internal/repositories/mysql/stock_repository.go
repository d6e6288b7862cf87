package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
)

// StockRepository applies relative inventory deltas under a row lock.
type StockRepository struct {
	provider *pmysql.Provider
}

func (r *StockRepository) FindSKU(ctx context.Context, skuID string) (domain.ProductSKU, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.ProductSKU{}, err
	}
	var sku domain.ProductSKU
	err = q.QueryRowContext(ctx, `SELECT id, product_title, price, inventory, active, updated_at
		FROM product_skus WHERE id = ?`, skuID).
		Scan(&sku.ID, &sku.ProductTitle, &sku.Price, &sku.Inventory, &sku.Active, &sku.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductSKU{}, pmysql.NotFound("product_skus.find", "sku %s not found", skuID)
	}
	if err != nil {
		return domain.ProductSKU{}, pmysql.WrapError("product_skus.find", err)
	}
	sku.UpdatedAt = sku.UpdatedAt.UTC()
	return sku, nil
}

// ApplyDelta locks the SKU row, clamps negative deltas to the available inventory and writes the
// new count. It returns the delta actually applied.
func (r *StockRepository) ApplyDelta(ctx context.Context, skuID string, delta int) (int, error) {
	if delta == 0 {
		return 0, nil
	}
	var applied int
	err := r.provider.RunInTx(ctx, func(ctx context.Context) error {
		q, err := r.provider.Querier(ctx)
		if err != nil {
			return err
		}
		var inventory int
		err = q.QueryRowContext(ctx, `SELECT inventory FROM product_skus WHERE id = ? FOR UPDATE`, skuID).Scan(&inventory)
		if errors.Is(err, sql.ErrNoRows) {
			return pmysql.NotFound("product_skus.apply_delta", "sku %s not found", skuID)
		}
		if err != nil {
			return pmysql.WrapError("product_skus.apply_delta", err)
		}

		applied = delta
		if inventory+delta < 0 {
			applied = -inventory
		}
		if applied == 0 {
			return nil
		}
		_, err = q.ExecContext(ctx, `UPDATE product_skus SET inventory = inventory + ?, updated_at = ? WHERE id = ?`,
			applied, time.Now().UTC(), skuID)
		return pmysql.WrapError("product_skus.apply_delta", err)
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (r *StockRepository) RecordMovement(ctx context.Context, movement domain.StockMovement) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO stock_movements (id, order_id, sku_id, delta, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		movement.ID, movement.OrderID, movement.SKUID, movement.Delta, string(movement.Kind), movement.CreatedAt.UTC())
	return pmysql.WrapError("stock_movements.insert", err)
}

func (r *StockRepository) ListMovements(ctx context.Context, orderID string) ([]domain.StockMovement, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT id, order_id, sku_id, delta, kind, created_at
		FROM stock_movements WHERE order_id = ? ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, pmysql.WrapError("stock_movements.list", err)
	}
	defer rows.Close()

	var movements []domain.StockMovement
	for rows.Next() {
		var (
			m    domain.StockMovement
			kind string
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SKUID, &m.Delta, &kind, &m.CreatedAt); err != nil {
			return nil, pmysql.WrapError("stock_movements.scan", err)
		}
		m.Kind = domain.StockMovementKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("stock_movements.list", err)
	}
	return movements, nil
}

package mysql

import (
	"context"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
)

// OrderHistoryRepository appends and lists transition rows. Rows are never updated.
type OrderHistoryRepository struct {
	provider *pmysql.Provider
}

func (r *OrderHistoryRepository) Append(ctx context.Context, entry domain.OrderHistory) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO order_history
		(id, order_id, field, previous_value, new_value, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrderID, string(entry.Field), entry.PreviousValue, entry.NewValue,
		entry.Actor, entry.Reason, entry.CreatedAt.UTC())
	return pmysql.WrapError("order_history.append", err)
}

func (r *OrderHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderHistory, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT id, order_id, field, previous_value, new_value, actor, reason, created_at
		FROM order_history WHERE order_id = ? ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, pmysql.WrapError("order_history.list", err)
	}
	defer rows.Close()

	var entries []domain.OrderHistory
	for rows.Next() {
		var (
			entry domain.OrderHistory
			field string
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &field, &entry.PreviousValue, &entry.NewValue,
			&entry.Actor, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, pmysql.WrapError("order_history.scan", err)
		}
		entry.Field = domain.StatusField(field)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("order_history.list", err)
	}
	return entries, nil
}

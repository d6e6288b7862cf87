package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
	"github.com/synclune/api/internal/platform/textutil"
)

// maxEventDetailLength matches the payment_events.detail column width.
const maxEventDetailLength = 512

// PaymentEventRepository is the uniquely keyed ledger of processed payment event ids.
type PaymentEventRepository struct {
	provider *pmysql.Provider
}

// Record inserts the event id. A duplicate key means the event was already processed and is
// reported as (false, nil).
func (r *PaymentEventRepository) Record(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return false, err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO payment_events (event_id, type, order_id, outcome, detail, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, string(event.Type), event.OrderID, string(event.Outcome), event.Detail, event.ProcessedAt.UTC())
	if err != nil {
		if pmysql.IsDuplicateKey(err) {
			return false, nil
		}
		return false, pmysql.WrapError("payment_events.record", err)
	}
	return true, nil
}

func (r *PaymentEventRepository) MarkOutcome(ctx context.Context, eventID string, outcome domain.PaymentEventOutcome, orderID, detail string) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	detail = textutil.Truncate(detail, maxEventDetailLength)
	res, err := q.ExecContext(ctx, `UPDATE payment_events SET outcome = ?, order_id = ?, detail = ? WHERE event_id = ?`,
		string(outcome), orderID, detail, eventID)
	if err != nil {
		return pmysql.WrapError("payment_events.mark", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return pmysql.NotFound("payment_events.mark", "payment event %s not recorded", eventID)
	}
	return nil
}

func (r *PaymentEventRepository) FindByID(ctx context.Context, eventID string) (domain.ProcessedEvent, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.ProcessedEvent{}, err
	}
	var (
		event         domain.ProcessedEvent
		kind, outcome string
	)
	err = q.QueryRowContext(ctx, `SELECT event_id, type, order_id, outcome, detail, processed_at
		FROM payment_events WHERE event_id = ?`, eventID).
		Scan(&event.EventID, &kind, &event.OrderID, &outcome, &event.Detail, &event.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedEvent{}, pmysql.NotFound("payment_events.find", "payment event %s not found", eventID)
	}
	if err != nil {
		return domain.ProcessedEvent{}, pmysql.WrapError("payment_events.find", err)
	}
	event.Type = domain.PaymentEventType(kind)
	event.Outcome = domain.PaymentEventOutcome(outcome)
	event.ProcessedAt = event.ProcessedAt.UTC()
	return event, nil
}

package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
)

const refundColumns = `id, order_id, amount, currency, reason, status, external_refund_id, requested_by,
	decided_by, decided_at, failure_reason, created_at, updated_at`

// RefundRepository stores refund requests.
type RefundRepository struct {
	provider *pmysql.Provider
}

func scanRefund(scanner rowScanner) (domain.RefundRequest, error) {
	var (
		rr        domain.RefundRequest
		status    string
		external  sql.NullString
		decidedAt sql.NullTime
	)
	if err := scanner.Scan(&rr.ID, &rr.OrderID, &rr.Amount, &rr.Currency, &rr.Reason, &status, &external,
		&rr.RequestedBy, &rr.DecidedBy, &decidedAt, &rr.FailureReason, &rr.CreatedAt, &rr.UpdatedAt); err != nil {
		return domain.RefundRequest{}, err
	}
	rr.Status = domain.RefundStatus(status)
	rr.ExternalRefundID = external.String
	rr.DecidedAt = timePtr(decidedAt)
	rr.CreatedAt = rr.CreatedAt.UTC()
	rr.UpdatedAt = rr.UpdatedAt.UTC()
	return rr, nil
}

func (r *RefundRepository) Insert(ctx context.Context, refund domain.RefundRequest) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO refund_requests (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID, refund.OrderID, refund.Amount, refund.Currency, refund.Reason, string(refund.Status),
		nullString(refund.ExternalRefundID), refund.RequestedBy, refund.DecidedBy, nullTime(refund.DecidedAt),
		refund.FailureReason, refund.CreatedAt.UTC(), refund.UpdatedAt.UTC())
	return pmysql.WrapError("refund_requests.insert", err)
}

func (r *RefundRepository) FindByID(ctx context.Context, refundID string) (domain.RefundRequest, error) {
	return r.findOne(ctx, "refund_requests.find", `id = ?`, "", refundID)
}

// FindByIDForUpdate locks the refund row. It must run inside RunInTx.
func (r *RefundRepository) FindByIDForUpdate(ctx context.Context, refundID string) (domain.RefundRequest, error) {
	if _, ok := pmysql.TxFromContext(ctx); !ok {
		return domain.RefundRequest{}, pmysql.WrapError("refund_requests.lock", errTxRequired)
	}
	return r.findOne(ctx, "refund_requests.lock", `id = ?`, " FOR UPDATE", refundID)
}

func (r *RefundRepository) FindByExternalID(ctx context.Context, externalID string) (domain.RefundRequest, error) {
	return r.findOne(ctx, "refund_requests.find_external", `external_refund_id = ?`, "", externalID)
}

func (r *RefundRepository) findOne(ctx context.Context, op, where, lock, arg string) (domain.RefundRequest, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	rr, err := scanRefund(q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE `+where+lock, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RefundRequest{}, pmysql.NotFound(op, "refund %s not found", arg)
	}
	if err != nil {
		return domain.RefundRequest{}, pmysql.WrapError(op, err)
	}
	return rr, nil
}

func (r *RefundRepository) Update(ctx context.Context, refund domain.RefundRequest) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE refund_requests SET status = ?, external_refund_id = ?, decided_by = ?,
			decided_at = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(refund.Status), nullString(refund.ExternalRefundID), refund.DecidedBy, nullTime(refund.DecidedAt),
		refund.FailureReason, refund.UpdatedAt.UTC(), refund.ID)
	if err != nil {
		return pmysql.WrapError("refund_requests.update", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return pmysql.NotFound("refund_requests.update", "refund %s not found", refund.ID)
	}
	return nil
}

func (r *RefundRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, pmysql.WrapError("refund_requests.list", err)
	}
	defer rows.Close()

	var refunds []domain.RefundRequest
	for rows.Next() {
		rr, err := scanRefund(rows)
		if err != nil {
			return nil, pmysql.WrapError("refund_requests.scan", err)
		}
		refunds = append(refunds, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("refund_requests.list", err)
	}
	return refunds, nil
}

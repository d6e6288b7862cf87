package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
)

const disputeColumns = `id, order_id, external_id, amount, currency, reason_code, status, evidence_due_by, created_at, updated_at`

// DisputeRepository mirrors processor disputes keyed by their external id.
type DisputeRepository struct {
	provider *pmysql.Provider
}

func scanDispute(scanner rowScanner) (domain.Dispute, error) {
	var (
		d      domain.Dispute
		status string
		due    sql.NullTime
	)
	if err := scanner.Scan(&d.ID, &d.OrderID, &d.ExternalID, &d.Amount, &d.Currency, &d.ReasonCode,
		&status, &due, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Dispute{}, err
	}
	d.Status = domain.DisputeStatus(status)
	d.EvidenceDueBy = timePtr(due)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (r *DisputeRepository) FindByExternalID(ctx context.Context, externalID string) (domain.Dispute, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.Dispute{}, err
	}
	d, err := scanDispute(q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dispute{}, pmysql.NotFound("disputes.find", "dispute %s not found", externalID)
	}
	if err != nil {
		return domain.Dispute{}, pmysql.WrapError("disputes.find", err)
	}
	return d, nil
}

// Upsert inserts the dispute or refreshes the mirrored fields of an existing one.
func (r *DisputeRepository) Upsert(ctx context.Context, dispute domain.Dispute) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE amount = VALUES(amount), reason_code = VALUES(reason_code),
			status = VALUES(status), evidence_due_by = VALUES(evidence_due_by), updated_at = VALUES(updated_at)`,
		dispute.ID, dispute.OrderID, dispute.ExternalID, dispute.Amount, dispute.Currency, dispute.ReasonCode,
		string(dispute.Status), nullTime(dispute.EvidenceDueBy), dispute.CreatedAt.UTC(), dispute.UpdatedAt.UTC())
	return pmysql.WrapError("disputes.upsert", err)
}

func (r *DisputeRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Dispute, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, pmysql.WrapError("disputes.list", err)
	}
	defer rows.Close()

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, pmysql.WrapError("disputes.scan", err)
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("disputes.list", err)
	}
	return disputes, nil
}

package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
)

const discountColumns = `id, code, type, value, min_subtotal, max_uses, per_customer_limit, starts_at, ends_at, active, created_at`

// DiscountRepository reads discount definitions.
type DiscountRepository struct {
	provider *pmysql.Provider
}

func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (domain.Discount, error) {
	return r.findOne(ctx, "discounts.find_by_code", `code = ?`, code)
}

func (r *DiscountRepository) FindByID(ctx context.Context, discountID string) (domain.Discount, error) {
	return r.findOne(ctx, "discounts.find", `id = ?`, discountID)
}

func (r *DiscountRepository) findOne(ctx context.Context, op, where, arg string) (domain.Discount, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.Discount{}, err
	}
	var (
		d                    domain.Discount
		kind                 string
		maxUses, perCustomer sql.NullInt64
		startsAt, endsAt     sql.NullTime
	)
	err = q.QueryRowContext(ctx, `SELECT `+discountColumns+` FROM discounts WHERE `+where, arg).Scan(
		&d.ID, &d.Code, &kind, &d.Value, &d.MinSubtotal, &maxUses, &perCustomer, &startsAt, &endsAt, &d.Active, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Discount{}, pmysql.NotFound(op, "discount %s not found", arg)
	}
	if err != nil {
		return domain.Discount{}, pmysql.WrapError(op, err)
	}
	d.Type = domain.DiscountType(kind)
	d.MaxUses = intPtr(maxUses)
	d.PerCustomerLimit = intPtr(perCustomer)
	d.StartsAt = timePtr(startsAt)
	d.EndsAt = timePtr(endsAt)
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

// DiscountUsageRepository counts redemptions from rows; there is no cached counter.
type DiscountUsageRepository struct {
	provider *pmysql.Provider
}

func (r *DiscountUsageRepository) CountByDiscount(ctx context.Context, discountID string) (int, error) {
	return r.count(ctx, "discount_usages.count", `SELECT COUNT(*) FROM discount_usages WHERE discount_id = ?`, discountID)
}

func (r *DiscountUsageRepository) CountByDiscountAndCustomer(ctx context.Context, discountID, customerID string) (int, error) {
	return r.count(ctx, "discount_usages.count_customer",
		`SELECT COUNT(*) FROM discount_usages WHERE discount_id = ? AND customer_id = ?`, discountID, customerID)
}

func (r *DiscountUsageRepository) count(ctx context.Context, op, query string, args ...any) (int, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, pmysql.WrapError(op, err)
	}
	return n, nil
}

// Insert records a redemption. The unique key on order_id turns a second redemption into a conflict.
func (r *DiscountUsageRepository) Insert(ctx context.Context, usage domain.DiscountUsage) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO discount_usages (id, discount_id, order_id, customer_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		usage.ID, usage.DiscountID, usage.OrderID, usage.CustomerID, usage.CreatedAt.UTC())
	return pmysql.WrapError("discount_usages.insert", err)
}

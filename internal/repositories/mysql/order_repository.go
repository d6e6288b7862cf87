package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/synclune/api/internal/domain"
	pmysql "github.com/synclune/api/internal/platform/mysql"
	"github.com/synclune/api/internal/repositories"
)

const orderColumns = `id, number, customer_id, currency, subtotal, discount_total, shipping_total, total,
	status, payment_status, fulfillment_status, contact, shipping_address, billing_address,
	discount_id, discount_code, checkout_session_id, payment_intent_id, invoice_id,
	stock_decremented_at, stock_restored_at, reminder_sent_at, created_at, updated_at, deleted_at`

var errTxRequired = errors.New("row lock requires a transaction")

// OrderRepository persists orders and their line items.
type OrderRepository struct {
	provider *pmysql.Provider
}

type orderRow struct {
	ID                 string
	Number             string
	CustomerID         string
	Currency           string
	Subtotal           int64
	DiscountTotal      int64
	ShippingTotal      int64
	Total              int64
	Status             string
	PaymentStatus      string
	FulfillmentStatus  string
	Contact            []byte
	ShippingAddress    []byte
	BillingAddress     []byte
	DiscountID         sql.NullString
	DiscountCode       sql.NullString
	CheckoutSessionID  sql.NullString
	PaymentIntentID    sql.NullString
	InvoiceID          sql.NullString
	StockDecrementedAt sql.NullTime
	StockRestoredAt    sql.NullTime
	ReminderSentAt     sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          sql.NullTime
}

type contactColumn struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type addressColumn struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func scanOrder(scanner rowScanner) (orderRow, error) {
	var row orderRow
	err := scanner.Scan(
		&row.ID, &row.Number, &row.CustomerID, &row.Currency, &row.Subtotal, &row.DiscountTotal,
		&row.ShippingTotal, &row.Total, &row.Status, &row.PaymentStatus, &row.FulfillmentStatus,
		&row.Contact, &row.ShippingAddress, &row.BillingAddress,
		&row.DiscountID, &row.DiscountCode, &row.CheckoutSessionID, &row.PaymentIntentID, &row.InvoiceID,
		&row.StockDecrementedAt, &row.StockRestoredAt, &row.ReminderSentAt,
		&row.CreatedAt, &row.UpdatedAt, &row.DeletedAt,
	)
	return row, err
}

func (row orderRow) toDomain() (domain.Order, error) {
	var contact contactColumn
	if err := json.Unmarshal(row.Contact, &contact); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s contact: %w", row.ID, err)
	}
	var shipping, billing addressColumn
	if err := json.Unmarshal(row.ShippingAddress, &shipping); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s shipping address: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.BillingAddress, &billing); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s billing address: %w", row.ID, err)
	}

	return domain.Order{
		ID:                 row.ID,
		Number:             row.Number,
		CustomerID:         row.CustomerID,
		Currency:           row.Currency,
		Subtotal:           row.Subtotal,
		DiscountTotal:      row.DiscountTotal,
		ShippingTotal:      row.ShippingTotal,
		Total:              row.Total,
		Status:             domain.OrderStatus(row.Status),
		PaymentStatus:      domain.PaymentStatus(row.PaymentStatus),
		FulfillmentStatus:  domain.FulfillmentStatus(row.FulfillmentStatus),
		Contact:            domain.OrderContact(contact),
		ShippingAddress:    domain.Address(shipping),
		BillingAddress:     domain.Address(billing),
		DiscountID:         row.DiscountID.String,
		DiscountCode:       row.DiscountCode.String,
		CheckoutSessionID:  row.CheckoutSessionID.String,
		PaymentIntentID:    row.PaymentIntentID.String,
		InvoiceID:          row.InvoiceID.String,
		StockDecrementedAt: timePtr(row.StockDecrementedAt),
		StockRestoredAt:    timePtr(row.StockRestoredAt),
		ReminderSentAt:     timePtr(row.ReminderSentAt),
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
		DeletedAt:          timePtr(row.DeletedAt),
	}, nil
}

// Insert stores the order header and its items atomically.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	contact, err := json.Marshal(contactColumn(order.Contact))
	if err != nil {
		return fmt.Errorf("encode contact: %w", err)
	}
	shipping, err := json.Marshal(addressColumn(order.ShippingAddress))
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}
	billing, err := json.Marshal(addressColumn(order.BillingAddress))
	if err != nil {
		return fmt.Errorf("encode billing address: %w", err)
	}

	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		q, err := r.provider.Querier(ctx)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.Number, order.CustomerID, order.Currency, order.Subtotal, order.DiscountTotal,
			order.ShippingTotal, order.Total, string(order.Status), string(order.PaymentStatus), string(order.FulfillmentStatus),
			contact, shipping, billing,
			nullString(order.DiscountID), nullString(order.DiscountCode), nullString(order.CheckoutSessionID),
			nullString(order.PaymentIntentID), nullString(order.InvoiceID),
			nullTime(order.StockDecrementedAt), nullTime(order.StockRestoredAt), nullTime(order.ReminderSentAt),
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(), nullTime(order.DeletedAt),
		)
		if err != nil {
			return pmysql.WrapError("orders.insert", err)
		}

		for i, item := range order.Items {
			_, err := q.ExecContext(ctx, `INSERT INTO order_items (id, order_id, sku_id, product_title, quantity, unit_price, position)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				item.ID, order.ID, item.SKUID, item.ProductTitle, item.Quantity, item.UnitPrice, i)
			if err != nil {
				return pmysql.WrapError("order_items.insert", err)
			}
		}
		return nil
	})
}

// FindByID loads a live order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", `WHERE id = ? AND deleted_at IS NULL`, "", orderID)
}

// FindByIDForUpdate loads the order and locks its row. It must run inside RunInTx.
func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	if _, ok := pmysql.TxFromContext(ctx); !ok {
		return domain.Order{}, pmysql.WrapError("orders.lock", errTxRequired)
	}
	return r.findOne(ctx, "orders.lock", `WHERE id = ? AND deleted_at IS NULL`, " FOR UPDATE", orderID)
}

// FindByCheckoutSession resolves the order a payment processor session belongs to.
func (r *OrderRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_session", `WHERE checkout_session_id = ? AND deleted_at IS NULL`, "", sessionID)
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_intent", `WHERE payment_intent_id = ? AND deleted_at IS NULL`, "", intentID)
}

func (r *OrderRepository) findOne(ctx context.Context, op, where, lock string, arg string) (domain.Order, error) {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	row, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders `+where+lock, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, pmysql.NotFound(op, "order %s not found", arg)
	}
	if err != nil {
		return domain.Order{}, pmysql.WrapError(op, err)
	}
	order, err := row.toDomain()
	if err != nil {
		return domain.Order{}, err
	}

	items, err := r.loadItems(ctx, q, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, q pmysql.Querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, order_id, sku_id, product_title, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, pmysql.WrapError("order_items.list", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.SKUID, &item.ProductTitle, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, pmysql.WrapError("order_items.scan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("order_items.list", err)
	}
	return items, nil
}

// Update writes the mutable columns of an order. Snapshots and items are never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE orders SET
			status = ?, payment_status = ?, fulfillment_status = ?,
			checkout_session_id = ?, payment_intent_id = ?, invoice_id = ?,
			stock_decremented_at = ?, stock_restored_at = ?, reminder_sent_at = ?,
			updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		string(order.Status), string(order.PaymentStatus), string(order.FulfillmentStatus),
		nullString(order.CheckoutSessionID), nullString(order.PaymentIntentID), nullString(order.InvoiceID),
		nullTime(order.StockDecrementedAt), nullTime(order.StockRestoredAt), nullTime(order.ReminderSentAt),
		order.UpdatedAt.UTC(), nullTime(order.DeletedAt),
		order.ID,
	)
	if err != nil {
		return pmysql.WrapError("orders.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pmysql.WrapError("orders.update", err)
	}
	if affected == 0 {
		return pmysql.NotFound("orders.update", "order %s not found", order.ID)
	}
	return nil
}

// ListAbandoned returns unpaid pending orders oldest first, without items.
func (r *OrderRepository) ListAbandoned(ctx context.Context, filter repositories.AbandonedOrderFilter) ([]domain.Order, error) {
	if filter.Limit <= 0 {
		return nil, errors.New("order repository: limit must be positive")
	}
	q, err := r.provider.Querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND payment_status = ? AND deleted_at IS NULL AND created_at <= ?`
	args := []any{string(domain.OrderStatusPending), string(domain.PaymentStatusPending), filter.CreatedAtOrBefore.UTC()}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.OnlyWithoutReminder {
		query += ` AND reminder_sent_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pmysql.WrapError("orders.list_abandoned", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		row, err := scanOrder(rows)
		if err != nil {
			return nil, pmysql.WrapError("orders.list_abandoned", err)
		}
		order, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("orders.list_abandoned", err)
	}
	return orders, nil
}

package memory

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

var errTxRequired = errors.New("row lock requires a transaction")

type orderRepo struct{ r *Registry }

func (o orderRepo) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	return o.r.write(ctx, func(s *state) error {
		if _, exists := s.orders[order.ID]; exists {
			return conflict("orders.insert", "order %s already exists", order.ID)
		}
		for _, existing := range s.orders {
			if existing.Number == order.Number {
				return conflict("orders.insert", "order number %s already used", order.Number)
			}
			if order.CheckoutSessionID != "" && existing.CheckoutSessionID == order.CheckoutSessionID {
				return conflict("orders.insert", "checkout session %s already linked", order.CheckoutSessionID)
			}
		}
		s.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (o orderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := o.r.read(func(s *state) error {
		order, ok := s.orders[orderID]
		if !ok || order.DeletedAt != nil {
			return notFound("orders.find", "order %s not found", orderID)
		}
		out = cloneOrder(order)
		return nil
	})
	return out, err
}

func (o orderRepo) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	if !inTx(ctx) {
		return domain.Order{}, fmt.Errorf("orders.lock: %w", errTxRequired)
	}
	return o.FindByID(ctx, orderID)
}

func (o orderRepo) FindByCheckoutSession(_ context.Context, sessionID string) (domain.Order, error) {
	var out domain.Order
	err := o.r.read(func(s *state) error {
		for _, order := range s.orders {
			if sessionID != "" && order.CheckoutSessionID == sessionID && order.DeletedAt == nil {
				out = cloneOrder(order)
				return nil
			}
		}
		return notFound("orders.find_by_session", "order for session %s not found", sessionID)
	})
	return out, err
}

func (o orderRepo) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	var out domain.Order
	err := o.r.read(func(s *state) error {
		for _, order := range s.orders {
			if intentID != "" && order.PaymentIntentID == intentID && order.DeletedAt == nil {
				out = cloneOrder(order)
				return nil
			}
		}
		return notFound("orders.find_by_intent", "order for payment intent %s not found", intentID)
	})
	return out, err
}

func (o orderRepo) Update(ctx context.Context, order domain.Order) error {
	return o.r.write(ctx, func(s *state) error {
		current, ok := s.orders[order.ID]
		if !ok {
			return notFound("orders.update", "order %s not found", order.ID)
		}
		current.Status = order.Status
		current.PaymentStatus = order.PaymentStatus
		current.FulfillmentStatus = order.FulfillmentStatus
		current.CheckoutSessionID = order.CheckoutSessionID
		current.PaymentIntentID = order.PaymentIntentID
		current.InvoiceID = order.InvoiceID
		current.StockDecrementedAt = order.StockDecrementedAt
		current.StockRestoredAt = order.StockRestoredAt
		current.ReminderSentAt = order.ReminderSentAt
		current.UpdatedAt = order.UpdatedAt
		current.DeletedAt = order.DeletedAt
		s.orders[order.ID] = current
		return nil
	})
}

func (o orderRepo) ListAbandoned(_ context.Context, filter repositories.AbandonedOrderFilter) ([]domain.Order, error) {
	if filter.Limit <= 0 {
		return nil, errors.New("order repository: limit must be positive")
	}
	var out []domain.Order
	err := o.r.read(func(s *state) error {
		for _, order := range s.orders {
			if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending || order.DeletedAt != nil {
				continue
			}
			if order.CreatedAt.After(filter.CreatedAtOrBefore) {
				continue
			}
			if !filter.CreatedAfter.IsZero() && !order.CreatedAt.After(filter.CreatedAfter) {
				continue
			}
			if filter.OnlyWithoutReminder && order.ReminderSentAt != nil {
				continue
			}
			order.Items = nil
			out = append(out, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type historyRepo struct{ r *Registry }

func (h historyRepo) Append(ctx context.Context, entry domain.OrderHistory) error {
	return h.r.write(ctx, func(s *state) error {
		s.history = append(s.history, entry)
		return nil
	})
}

func (h historyRepo) ListByOrder(_ context.Context, orderID string) ([]domain.OrderHistory, error) {
	var out []domain.OrderHistory
	err := h.r.read(func(s *state) error {
		for _, entry := range s.history {
			if entry.OrderID == orderID {
				out = append(out, entry)
			}
		}
		return nil
	})
	return out, err
}

type stockRepo struct{ r *Registry }

func (st stockRepo) FindSKU(_ context.Context, skuID string) (domain.ProductSKU, error) {
	var out domain.ProductSKU
	err := st.r.read(func(s *state) error {
		sku, ok := s.skus[skuID]
		if !ok {
			return notFound("product_skus.find", "sku %s not found", skuID)
		}
		out = sku
		return nil
	})
	return out, err
}

func (st stockRepo) ApplyDelta(ctx context.Context, skuID string, delta int) (int, error) {
	applied := 0
	err := st.r.write(ctx, func(s *state) error {
		sku, ok := s.skus[skuID]
		if !ok {
			return notFound("product_skus.apply_delta", "sku %s not found", skuID)
		}
		applied = delta
		if sku.Inventory+delta < 0 {
			applied = -sku.Inventory
		}
		sku.Inventory += applied
		sku.UpdatedAt = time.Now().UTC()
		s.skus[skuID] = sku
		return nil
	})
	return applied, err
}

func (st stockRepo) RecordMovement(ctx context.Context, movement domain.StockMovement) error {
	return st.r.write(ctx, func(s *state) error {
		s.movements = append(s.movements, movement)
		return nil
	})
}

func (st stockRepo) ListMovements(_ context.Context, orderID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := st.r.read(func(s *state) error {
		for _, m := range s.movements {
			if m.OrderID == orderID {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

type discountRepo struct{ r *Registry }

func (d discountRepo) FindByCode(_ context.Context, code string) (domain.Discount, error) {
	var out domain.Discount
	err := d.r.read(func(s *state) error {
		for _, discount := range s.discounts {
			if discount.Code == code {
				out = discount
				return nil
			}
		}
		return notFound("discounts.find_by_code", "discount %s not found", code)
	})
	return out, err
}

func (d discountRepo) FindByID(_ context.Context, discountID string) (domain.Discount, error) {
	var out domain.Discount
	err := d.r.read(func(s *state) error {
		discount, ok := s.discounts[discountID]
		if !ok {
			return notFound("discounts.find", "discount %s not found", discountID)
		}
		out = discount
		return nil
	})
	return out, err
}

type usageRepo struct{ r *Registry }

func (u usageRepo) CountByDiscount(_ context.Context, discountID string) (int, error) {
	n := 0
	err := u.r.read(func(s *state) error {
		for _, usage := range s.usages {
			if usage.DiscountID == discountID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (u usageRepo) CountByDiscountAndCustomer(_ context.Context, discountID, customerID string) (int, error) {
	n := 0
	err := u.r.read(func(s *state) error {
		for _, usage := range s.usages {
			if usage.DiscountID == discountID && usage.CustomerID == customerID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (u usageRepo) Insert(ctx context.Context, usage domain.DiscountUsage) error {
	return u.r.write(ctx, func(s *state) error {
		for _, existing := range s.usages {
			if existing.OrderID == usage.OrderID {
				return conflict("discount_usages.insert", "order %s already redeemed a discount", usage.OrderID)
			}
		}
		s.usages = append(s.usages, usage)
		return nil
	})
}

type eventRepo struct{ r *Registry }

func (e eventRepo) Record(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	inserted := false
	err := e.r.write(ctx, func(s *state) error {
		if _, exists := s.events[event.EventID]; exists {
			return nil
		}
		s.events[event.EventID] = event
		inserted = true
		return nil
	})
	return inserted, err
}

func (e eventRepo) MarkOutcome(ctx context.Context, eventID string, outcome domain.PaymentEventOutcome, orderID, detail string) error {
	return e.r.write(ctx, func(s *state) error {
		event, ok := s.events[eventID]
		if !ok {
			return notFound("payment_events.mark", "payment event %s not recorded", eventID)
		}
		event.Outcome = outcome
		event.OrderID = orderID
		event.Detail = detail
		s.events[eventID] = event
		return nil
	})
}

func (e eventRepo) FindByID(_ context.Context, eventID string) (domain.ProcessedEvent, error) {
	var out domain.ProcessedEvent
	err := e.r.read(func(s *state) error {
		event, ok := s.events[eventID]
		if !ok {
			return notFound("payment_events.find", "payment event %s not found", eventID)
		}
		out = event
		return nil
	})
	return out, err
}

type disputeRepo struct{ r *Registry }

func (d disputeRepo) FindByExternalID(_ context.Context, externalID string) (domain.Dispute, error) {
	var out domain.Dispute
	err := d.r.read(func(s *state) error {
		for _, dispute := range s.disputes {
			if dispute.ExternalID == externalID {
				out = dispute
				return nil
			}
		}
		return notFound("disputes.find", "dispute %s not found", externalID)
	})
	return out, err
}

func (d disputeRepo) Upsert(ctx context.Context, dispute domain.Dispute) error {
	return d.r.write(ctx, func(s *state) error {
		for id, existing := range s.disputes {
			if existing.ExternalID == dispute.ExternalID {
				existing.Amount = dispute.Amount
				existing.ReasonCode = dispute.ReasonCode
				existing.Status = dispute.Status
				existing.EvidenceDueBy = dispute.EvidenceDueBy
				existing.UpdatedAt = dispute.UpdatedAt
				s.disputes[id] = existing
				return nil
			}
		}
		s.disputes[dispute.ID] = dispute
		return nil
	})
}

func (d disputeRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Dispute, error) {
	var out []domain.Dispute
	err := d.r.read(func(s *state) error {
		for _, dispute := range s.disputes {
			if dispute.OrderID == orderID {
				out = append(out, dispute)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

type refundRepo struct{ r *Registry }

func (rr refundRepo) Insert(ctx context.Context, refund domain.RefundRequest) error {
	return rr.r.write(ctx, func(s *state) error {
		if _, exists := s.refunds[refund.ID]; exists {
			return conflict("refund_requests.insert", "refund %s already exists", refund.ID)
		}
		s.refunds[refund.ID] = refund
		return nil
	})
}

func (rr refundRepo) FindByID(_ context.Context, refundID string) (domain.RefundRequest, error) {
	var out domain.RefundRequest
	err := rr.r.read(func(s *state) error {
		refund, ok := s.refunds[refundID]
		if !ok {
			return notFound("refund_requests.find", "refund %s not found", refundID)
		}
		out = refund
		return nil
	})
	return out, err
}

func (rr refundRepo) FindByIDForUpdate(ctx context.Context, refundID string) (domain.RefundRequest, error) {
	if !inTx(ctx) {
		return domain.RefundRequest{}, fmt.Errorf("refund_requests.lock: %w", errTxRequired)
	}
	return rr.FindByID(ctx, refundID)
}

func (rr refundRepo) FindByExternalID(_ context.Context, externalID string) (domain.RefundRequest, error) {
	var out domain.RefundRequest
	err := rr.r.read(func(s *state) error {
		for _, refund := range s.refunds {
			if externalID != "" && refund.ExternalRefundID == externalID {
				out = refund
				return nil
			}
		}
		return notFound("refund_requests.find_external", "refund %s not found", externalID)
	})
	return out, err
}

func (rr refundRepo) Update(ctx context.Context, refund domain.RefundRequest) error {
	return rr.r.write(ctx, func(s *state) error {
		if _, ok := s.refunds[refund.ID]; !ok {
			return notFound("refund_requests.update", "refund %s not found", refund.ID)
		}
		s.refunds[refund.ID] = refund
		return nil
	})
}

func (rr refundRepo) ListByOrder(_ context.Context, orderID string) ([]domain.RefundRequest, error) {
	var out []domain.RefundRequest
	err := rr.r.read(func(s *state) error {
		for _, refund := range s.refunds {
			if refund.OrderID == orderID {
				out = append(out, refund)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

type counterRepo struct{ r *Registry }

func (c counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, errors.New("counter repository: counter id is required")
	}
	if step <= 0 {
		return 0, fmt.Errorf("counter repository: step must be positive, got %d", step)
	}
	var value int64
	err := c.r.write(ctx, func(s *state) error {
		s.counters[counterID] += step
		value = s.counters[counterID]
		return nil
	})
	return value, err
}

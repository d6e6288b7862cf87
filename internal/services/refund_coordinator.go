package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/platform/textutil"
	"github.com/synclune/api/internal/repositories"
)

const defaultRefundCallTimeout = 15 * time.Second

// refundGateway is the slice of payments.Gateway the coordinator calls.
type refundGateway interface {
	Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

// RefundCoordinatorDeps wires the dependencies required by the refund coordinator.
type RefundCoordinatorDeps struct {
	Orders      repositories.OrderRepository
	Refunds     repositories.RefundRepository
	Payments    refundGateway
	UnitOfWork  repositories.UnitOfWork
	CallTimeout time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type refundCoordinator struct {
	orders      repositories.OrderRepository
	refunds     repositories.RefundRepository
	payments    refundGateway
	unitOfWork  repositories.UnitOfWork
	callTimeout time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ RefundCoordinator = (*refundCoordinator)(nil)

// NewRefundCoordinator constructs the coordinator. Refunds are executed by the payment processor;
// local state only reaches COMPLETED through its webhook.
func NewRefundCoordinator(deps RefundCoordinatorDeps) (RefundCoordinator, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund coordinator: order repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("refund coordinator: refund repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund coordinator: payment gateway is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("refund coordinator: unit of work is required")
	}
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = defaultRefundCallTimeout
	}
	return &refundCoordinator{
		orders:      deps.Orders,
		refunds:     deps.Refunds,
		payments:    deps.Payments,
		unitOfWork:  deps.UnitOfWork,
		callTimeout: timeout,
		clock:       utcClock(deps.Clock),
		newID:       defaultIDGenerator(deps.IDGenerator),
		logger:      defaultLogger(deps.Logger),
	}, nil
}

func (c *refundCoordinator) RequestRefund(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundRequest{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	if cmd.Amount < 0 {
		return RefundRequest{}, fmt.Errorf("%w: amount must not be negative", ErrRefundInvalidInput)
	}

	order, err := c.orders.FindByID(ctx, orderID)
	if err != nil {
		return RefundRequest{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusDisputed {
		return RefundRequest{}, fmt.Errorf("%w: payment is %s", ErrRefundInvalidState, order.PaymentStatus)
	}
	amount := cmd.Amount
	if amount == 0 {
		amount = order.Total
	}
	if amount > order.Total {
		return RefundRequest{}, fmt.Errorf("%w: amount %d exceeds order total %d", ErrRefundInvalidInput, amount, order.Total)
	}

	now := c.clock()
	refund := domain.RefundRequest{
		ID:          refundIDPrefix + c.newID(),
		OrderID:     order.ID,
		Amount:      amount,
		Currency:    order.Currency,
		Reason:      sanitizeReason(cmd.Reason),
		Status:      domain.RefundStatusPending,
		RequestedBy: strings.TrimSpace(cmd.ActorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.refunds.Insert(ctx, refund); err != nil {
		return RefundRequest{}, mapRepositoryError(err, ErrRefundNotFound)
	}
	c.logger(ctx, "refund.requested", map[string]any{"refundId": refund.ID, "orderId": order.ID, "amount": amount})
	return refund, nil
}

// ApproveRefunds processes each id independently; one failure never affects the others.
func (c *refundCoordinator) ApproveRefunds(ctx context.Context, cmd RefundDecisionCommand) []RefundDecisionResult {
	results := make([]RefundDecisionResult, 0, len(cmd.RefundIDs))
	for _, id := range cmd.RefundIDs {
		refund, err := c.approve(ctx, strings.TrimSpace(id), cmd.ActorID)
		results = append(results, RefundDecisionResult{RefundID: strings.TrimSpace(id), Refund: refund, Err: err})
	}
	return results
}

func (c *refundCoordinator) RejectRefunds(ctx context.Context, cmd RefundDecisionCommand) []RefundDecisionResult {
	results := make([]RefundDecisionResult, 0, len(cmd.RefundIDs))
	for _, id := range cmd.RefundIDs {
		refund, err := c.reject(ctx, strings.TrimSpace(id), cmd.ActorID, cmd.Reason)
		results = append(results, RefundDecisionResult{RefundID: strings.TrimSpace(id), Refund: refund, Err: err})
	}
	return results
}

func (c *refundCoordinator) ListRefunds(ctx context.Context, orderID string) ([]RefundRequest, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	refunds, err := c.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrRefundNotFound)
	}
	return refunds, nil
}

// approve marks the request APPROVED in its own transaction, then calls the processor outside of
// it so no row lock is held across the network call. The refund id is the processor idempotency key.
func (c *refundCoordinator) approve(ctx context.Context, refundID, actor string) (RefundRequest, error) {
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}

	var (
		refund domain.RefundRequest
		order  domain.Order
	)
	err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := c.refunds.FindByIDForUpdate(txCtx, refundID)
		if err != nil {
			return mapRepositoryError(err, ErrRefundNotFound)
		}
		if locked.Status != domain.RefundStatusPending {
			return fmt.Errorf("%w: refund is %s", ErrRefundInvalidState, locked.Status)
		}
		order, err = c.orders.FindByIDForUpdate(txCtx, locked.OrderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusDisputed {
			return fmt.Errorf("%w: payment is %s", ErrRefundInvalidState, order.PaymentStatus)
		}
		if strings.TrimSpace(order.PaymentIntentID) == "" {
			return fmt.Errorf("%w: order has no payment reference", ErrRefundInvalidState)
		}
		now := c.clock()
		locked.Status = domain.RefundStatusApproved
		locked.DecidedBy = strings.TrimSpace(actor)
		locked.DecidedAt = &now
		locked.UpdatedAt = now
		if err := c.refunds.Update(txCtx, locked); err != nil {
			return mapRepositoryError(err, ErrRefundNotFound)
		}
		refund = locked
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	amount := refund.Amount
	result, callErr := c.payments.Refund(callCtx, payments.RefundRequest{
		IntentID:       order.PaymentIntentID,
		Amount:         &amount,
		Currency:       refund.Currency,
		Reason:         refund.Reason,
		IdempotencyKey: refund.ID,
		Metadata: map[string]string{
			"order_id":  order.ID,
			"refund_id": refund.ID,
		},
	})

	err = c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := c.refunds.FindByIDForUpdate(txCtx, refund.ID)
		if err != nil {
			return err
		}
		// The completion webhook may already have been applied while the call was in flight.
		if locked.Status != domain.RefundStatusApproved {
			if locked.ExternalRefundID == "" && callErr == nil {
				locked.ExternalRefundID = result.RefundID
				locked.UpdatedAt = c.clock()
				if err := c.refunds.Update(txCtx, locked); err != nil {
					return err
				}
			}
			refund = locked
			return nil
		}
		if callErr != nil {
			locked.Status = domain.RefundStatusFailed
			locked.FailureReason = textutil.Truncate(callErr.Error(), maxReasonLength)
		} else {
			locked.ExternalRefundID = result.RefundID
		}
		locked.UpdatedAt = c.clock()
		if err := c.refunds.Update(txCtx, locked); err != nil {
			return err
		}
		refund = locked
		return nil
	})
	if err != nil {
		c.logger(ctx, "refund.update.failed", map[string]any{
			"refundId":   refund.ID,
			"orderId":    order.ID,
			"externalId": refund.ExternalRefundID,
			"error":      err.Error(),
		})
		return refund, mapRepositoryError(err, ErrRefundNotFound)
	}

	if callErr != nil && refund.Status != domain.RefundStatusCompleted {
		c.logger(ctx, "refund.processor.failed", map[string]any{"refundId": refund.ID, "orderId": order.ID, "error": callErr.Error()})
		return refund, fmt.Errorf("%w: %v", ErrRefundProcessorFailed, callErr)
	}
	c.logger(ctx, "refund.approved", map[string]any{"refundId": refund.ID, "orderId": order.ID, "externalId": refund.ExternalRefundID})
	return refund, nil
}

func (c *refundCoordinator) reject(ctx context.Context, refundID, actor, reason string) (RefundRequest, error) {
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}
	var refund domain.RefundRequest
	err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := c.refunds.FindByIDForUpdate(txCtx, refundID)
		if err != nil {
			return mapRepositoryError(err, ErrRefundNotFound)
		}
		if locked.Status != domain.RefundStatusPending {
			return fmt.Errorf("%w: refund is %s", ErrRefundInvalidState, locked.Status)
		}
		now := c.clock()
		locked.Status = domain.RefundStatusRejected
		locked.DecidedBy = strings.TrimSpace(actor)
		locked.DecidedAt = &now
		locked.FailureReason = sanitizeReason(reason)
		locked.UpdatedAt = now
		if err := c.refunds.Update(txCtx, locked); err != nil {
			return mapRepositoryError(err, ErrRefundNotFound)
		}
		refund = locked
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}
	c.logger(ctx, "refund.rejected", map[string]any{"refundId": refund.ID, "orderId": refund.OrderID})
	return refund, nil
}


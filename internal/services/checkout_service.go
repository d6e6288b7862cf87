package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/repositories"
)

const defaultCheckoutCallTimeout = 15 * time.Second

// checkoutSessionManager is the slice of payments.Gateway checkout calls.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders      OrderService
	Repository  repositories.OrderRepository
	Payments    checkoutSessionManager
	UnitOfWork  repositories.UnitOfWork
	SuccessURL  string
	CancelURL   string
	CallTimeout time.Duration
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders      OrderService
	repo        repositories.OrderRepository
	payments    checkoutSessionManager
	unitOfWork  repositories.UnitOfWork
	successURL  string
	cancelURL   string
	callTimeout time.Duration
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Repository == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = defaultCheckoutCallTimeout
	}
	return &checkoutService{
		orders:      deps.Orders,
		repo:        deps.Repository,
		payments:    deps.Payments,
		unitOfWork:  unit,
		successURL:  strings.TrimSpace(deps.SuccessURL),
		cancelURL:   strings.TrimSpace(deps.CancelURL),
		callTimeout: timeout,
		logger:      defaultLogger(deps.Logger),
	}, nil
}

// StartCheckout creates the order, opens a processor session keyed by the order id and links the
// session to the order. A failed session leaves a PENDING order for the sweeper to cancel.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutResult, error) {
	successURL := firstNonEmpty(cmd.SuccessURL, s.successURL)
	cancelURL := firstNonEmpty(cmd.CancelURL, s.cancelURL)
	if successURL == "" || cancelURL == "" {
		return CheckoutResult{}, fmt.Errorf("%w: success and cancel urls are required", ErrOrderInvalidInput)
	}

	order, err := s.orders.CreateOrder(ctx, cmd.Order)
	if err != nil {
		return CheckoutResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	session, err := s.payments.CreateCheckoutSession(callCtx, payments.CheckoutSessionRequest{
		Amount:         order.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.Contact.Email,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Locale:         strings.TrimSpace(cmd.Locale),
		IdempotencyKey: order.ID,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.Number,
		},
		Items: checkoutLineItems(order),
	})
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		if errors.Is(err, payments.ErrUnsupportedCurrency) {
			return CheckoutResult{Order: order}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return CheckoutResult{Order: order}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	err = runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		locked, err := s.repo.FindByIDForUpdate(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		locked.CheckoutSessionID = session.ID
		if session.IntentID != "" {
			locked.PaymentIntentID = session.IntentID
		}
		if err := s.repo.Update(txCtx, locked); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		order = locked
		return nil
	})
	if err != nil {
		return CheckoutResult{Order: order}, err
	}

	s.logger(ctx, "checkout.session.created", map[string]any{"orderId": order.ID, "sessionId": session.ID})
	return CheckoutResult{
		Order:       order,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

func checkoutLineItems(order domain.Order) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:     item.ProductTitle,
			SKU:      item.SKUID,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Currency: order.Currency,
		})
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

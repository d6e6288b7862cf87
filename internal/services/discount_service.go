package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

var discountCodeCaser = cases.Upper(language.Und)

// DiscountServiceDeps bundles dependencies required to construct a DiscountService implementation.
type DiscountServiceDeps struct {
	Discounts   repositories.DiscountRepository
	Usages      repositories.DiscountUsageRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type discountService struct {
	discounts repositories.DiscountRepository
	usages    repositories.DiscountUsageRepository
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewDiscountService wires a DiscountService backed by the provided repositories.
func NewDiscountService(deps DiscountServiceDeps) (DiscountService, error) {
	if deps.Discounts == nil {
		return nil, errors.New("discount service: discount repository is required")
	}
	if deps.Usages == nil {
		return nil, errors.New("discount service: usage repository is required")
	}
	return &discountService{
		discounts: deps.Discounts,
		usages:    deps.Usages,
		clock:     utcClock(deps.Clock),
		newID:     defaultIDGenerator(deps.IDGenerator),
		logger:    defaultLogger(deps.Logger),
	}, nil
}

// NormalizeDiscountCode folds full-width characters and upper-cases the code.
func NormalizeDiscountCode(code string) string {
	folded := width.Fold.String(strings.TrimSpace(code))
	return discountCodeCaser.String(folded)
}

// Validate is read-only: it never records a usage.
func (s *discountService) Validate(ctx context.Context, cmd ValidateDiscountCommand) (DiscountQuote, error) {
	code := NormalizeDiscountCode(cmd.Code)
	if code == "" {
		return DiscountQuote{}, &DiscountRejection{Code: cmd.Code, Reason: DiscountRejectNotFound}
	}
	if cmd.Subtotal < 0 {
		return DiscountQuote{}, fmt.Errorf("%w: subtotal must not be negative", ErrOrderInvalidInput)
	}

	discount, err := s.discounts.FindByCode(ctx, code)
	if err != nil {
		if isRepositoryNotFound(err) {
			return DiscountQuote{}, &DiscountRejection{Code: code, Reason: DiscountRejectNotFound}
		}
		return DiscountQuote{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	reject := func(reason DiscountRejectionReason) (DiscountQuote, error) {
		return DiscountQuote{}, &DiscountRejection{Code: code, Reason: reason}
	}

	if !discount.Active {
		return reject(DiscountRejectInactive)
	}
	now := s.clock()
	if discount.StartsAt != nil && now.Before(*discount.StartsAt) {
		return reject(DiscountRejectNotStarted)
	}
	if discount.EndsAt != nil && now.After(*discount.EndsAt) {
		return reject(DiscountRejectExpired)
	}
	if cmd.Subtotal < discount.MinSubtotal {
		return reject(DiscountRejectMinSubtotal)
	}

	if discount.MaxUses != nil {
		used, err := s.usages.CountByDiscount(ctx, discount.ID)
		if err != nil {
			return DiscountQuote{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		if used >= *discount.MaxUses {
			return reject(DiscountRejectMaxUses)
		}
	}

	customerID := strings.TrimSpace(cmd.CustomerID)
	if discount.PerCustomerLimit != nil && customerID != "" {
		used, err := s.usages.CountByDiscountAndCustomer(ctx, discount.ID, customerID)
		if err != nil {
			return DiscountQuote{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		if used >= *discount.PerCustomerLimit {
			return reject(DiscountRejectCustomerLimit)
		}
	}

	return DiscountQuote{Discount: discount, Amount: DiscountAmount(discount, cmd.Subtotal)}, nil
}

// Redeem records the usage row for a paid order. A second call for the same order is a no-op and
// reports false.
func (s *discountService) Redeem(ctx context.Context, order Order) (bool, error) {
	if strings.TrimSpace(order.DiscountID) == "" {
		return false, nil
	}

	discount, err := s.discounts.FindByID(ctx, order.DiscountID)
	if err != nil && !isRepositoryNotFound(err) {
		return false, mapRepositoryError(err, ErrOrderNotFound)
	}
	if err == nil && discount.MaxUses != nil {
		used, err := s.usages.CountByDiscount(ctx, discount.ID)
		if err != nil {
			return false, mapRepositoryError(err, ErrOrderNotFound)
		}
		if used >= *discount.MaxUses {
			s.logger(ctx, "discount.over_redeemed", map[string]any{
				"orderId":    order.ID,
				"discountId": discount.ID,
				"used":       used,
				"maxUses":    *discount.MaxUses,
			})
		}
	}

	usage := domain.DiscountUsage{
		ID:         usageIDPrefix + s.newID(),
		DiscountID: order.DiscountID,
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		CreatedAt:  s.clock(),
	}
	if err := s.usages.Insert(ctx, usage); err != nil {
		if isRepositoryDuplicate(err) {
			s.logger(ctx, "discount.redeem.duplicate", map[string]any{"orderId": order.ID})
			return false, nil
		}
		return false, mapRepositoryError(err, ErrOrderNotFound)
	}
	return true, nil
}

// DiscountAmount computes the reduction for subtotal, never exceeding it.
func DiscountAmount(discount domain.Discount, subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var amount int64
	switch discount.Type {
	case domain.DiscountTypePercentage:
		pct := discount.Value
		if pct > 100 {
			pct = 100
		}
		amount = decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromInt(pct)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case domain.DiscountTypeFixed:
		amount = discount.Value
	}
	if amount < 0 {
		return 0
	}
	if amount > subtotal {
		return subtotal
	}
	return amount
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

const (
	orderCounterID         = "orders"
	defaultOrderCurrency   = "EUR"
	invalidationTransition = "order.transition"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	History         repositories.OrderHistoryRepository
	Stock           repositories.StockRepository
	Counters        repositories.CounterRepository
	Ledger          StockLedger
	Discounts       DiscountService
	UnitOfWork      repositories.UnitOfWork
	Notifications   NotificationSender
	Invalidations   InvalidationPublisher
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	history         repositories.OrderHistoryRepository
	stock           repositories.StockRepository
	counters        repositories.CounterRepository
	discounts       DiscountService
	unitOfWork      repositories.UnitOfWork
	machine         orderStateMachine
	effects         lifecycleEffects
	notifications   NotificationSender
	invalidations   InvalidationPublisher
	defaultCurrency string
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: stock ledger is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	clock := utcClock(deps.Clock)
	newID := defaultIDGenerator(deps.IDGenerator)
	logger := defaultLogger(deps.Logger)

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		stock:      deps.Stock,
		counters:   deps.Counters,
		discounts:  deps.Discounts,
		unitOfWork: unit,
		machine: orderStateMachine{
			orders:  deps.Orders,
			history: deps.History,
			clock:   clock,
			newID:   newID,
		},
		effects: lifecycleEffects{
			ledger:    deps.Ledger,
			discounts: deps.Discounts,
			logger:    logger,
		},
		notifications:   deps.Notifications,
		invalidations:   deps.Invalidations,
		defaultCurrency: currency,
		clock:           clock,
		newID:           newID,
		logger:          logger,
	}, nil
}

// CreateOrder snapshots the cart, prices and contact data into a PENDING/PENDING order. Inventory is
// checked but not reserved; stock moves only when payment is confirmed.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	lines, err := normalizeCartLines(cmd.Lines)
	if err != nil {
		return Order{}, err
	}
	email := strings.TrimSpace(cmd.Contact.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Order{}, fmt.Errorf("%w: contact email is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Line1) == "" || strings.TrimSpace(cmd.ShippingAddress.Country) == "" {
		return Order{}, fmt.Errorf("%w: shipping address is incomplete", ErrOrderInvalidInput)
	}
	if cmd.ShippingTotal < 0 {
		return Order{}, fmt.Errorf("%w: shipping total must not be negative", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := s.clock()
	orderID := orderIDPrefix + s.newID()
	items := make([]domain.OrderItem, 0, len(lines))
	var subtotal int64
	for i, line := range lines {
		sku, err := s.stock.FindSKU(ctx, line.SKUID)
		if err != nil {
			if isRepositoryNotFound(err) {
				return Order{}, fmt.Errorf("%w: sku %s does not exist", ErrOrderInvalidInput, line.SKUID)
			}
			return Order{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		if !sku.Active {
			return Order{}, fmt.Errorf("%w: sku %s is not available", ErrOrderInvalidInput, line.SKUID)
		}
		if sku.Inventory < line.Quantity {
			return Order{}, fmt.Errorf("%w: sku %s has %d left, %d requested", ErrInsufficientStock, line.SKUID, sku.Inventory, line.Quantity)
		}
		item := domain.OrderItem{
			ID:           fmt.Sprintf("%s_%02d", orderID, i+1),
			OrderID:      orderID,
			SKUID:        sku.ID,
			ProductTitle: sku.ProductTitle,
			Quantity:     line.Quantity,
			UnitPrice:    sku.Price,
		}
		subtotal += item.LineTotal()
		items = append(items, item)
	}

	order := domain.Order{
		ID:                orderID,
		CustomerID:        strings.TrimSpace(cmd.CustomerID),
		Currency:          currency,
		Subtotal:          subtotal,
		ShippingTotal:     cmd.ShippingTotal,
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
		Contact: domain.OrderContact{
			Email: email,
			Name:  strings.TrimSpace(cmd.Contact.Name),
			Phone: strings.TrimSpace(cmd.Contact.Phone),
		},
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if strings.TrimSpace(order.BillingAddress.Line1) == "" {
		order.BillingAddress = order.ShippingAddress
	}

	if strings.TrimSpace(cmd.DiscountCode) != "" {
		if s.discounts == nil {
			return Order{}, fmt.Errorf("%w: discounts are not accepted", ErrOrderInvalidInput)
		}
		quote, err := s.discounts.Validate(ctx, ValidateDiscountCommand{
			Code:       cmd.DiscountCode,
			Subtotal:   subtotal,
			CustomerID: order.CustomerID,
		})
		if err != nil {
			return Order{}, err
		}
		order.DiscountID = quote.Discount.ID
		order.DiscountCode = quote.Discount.Code
		order.DiscountTotal = quote.Amount
	}
	order.Total = order.Subtotal - order.DiscountTotal + order.ShippingTotal

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.Number = number

	err = runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.create.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"total":   order.Total,
		"items":   len(order.Items),
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string) ([]OrderHistory, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := s.history.ListByOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return entries, nil
}

// TransitionOrder validates and applies one status change under the order row lock, appends its
// history row and runs the stock and discount effects in the same transaction.
func (s *orderService) TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := strings.ToUpper(strings.TrimSpace(cmd.TargetValue))
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !domain.IsValidField(cmd.Field) {
		return Order{}, fmt.Errorf("%w: unknown status field %q", ErrOrderInvalidInput, cmd.Field)
	}
	if !domain.IsKnownValue(cmd.Field, target) {
		return Order{}, fmt.Errorf("%w: unknown %s value %q", ErrOrderInvalidInput, cmd.Field, cmd.TargetValue)
	}
	if domain.IsProcessorOwned(cmd.Field, target) {
		return Order{}, fmt.Errorf("%w: %s %s is set by the payment processor", ErrOrderInvalidInput, cmd.Field, target)
	}

	var (
		order   domain.Order
		outcome effectOutcome
	)
	err := runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		locked, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		current, _ := locked.StatusValue(cmd.Field)
		if cmd.ExpectedValue != nil && !strings.EqualFold(current, strings.TrimSpace(*cmd.ExpectedValue)) {
			return fmt.Errorf("%w: expected %s %q but was %q", ErrOrderConflict, cmd.Field, *cmd.ExpectedValue, current)
		}
		if _, err := s.machine.transition(txCtx, &locked, cmd.Field, target, cmd.ActorID, cmd.Reason); err != nil {
			return err
		}
		outcome, err = s.effects.apply(txCtx, &locked, cmd.Field, target)
		if err != nil {
			return err
		}
		order = locked
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrOrderConflict) && !errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "order.transition.failed", map[string]any{
				"orderId": orderID,
				"field":   string(cmd.Field),
				"target":  target,
				"error":   err.Error(),
			})
		}
		return Order{}, err
	}

	s.logger(ctx, "order.transitioned", map[string]any{
		"orderId": order.ID,
		"field":   string(cmd.Field),
		"target":  target,
		"actor":   cmd.ActorID,
	})
	publishInvalidation(ctx, s.invalidations, s.logger, InvalidationEvent{
		OrderID:    order.ID,
		Keys:       orderCacheKeys(order, outcome.stock.Movements),
		Reason:     invalidationTransition,
		OccurredAt: s.clock(),
	})
	if cmd.Field == domain.FieldStatus && target == string(domain.OrderStatusCancelled) {
		_ = sendNotification(ctx, s.notifications, s.logger, order.ID, domain.TemplateOrderCancelled)
	}
	return order, nil
}

// BulkTransition applies each command in its own transaction and reports per-item results.
func (s *orderService) BulkTransition(ctx context.Context, cmds []TransitionOrderCommand) []TransitionResult {
	results := make([]TransitionResult, 0, len(cmds))
	for _, cmd := range cmds {
		order, err := s.TransitionOrder(ctx, cmd)
		results = append(results, TransitionResult{
			OrderID: strings.TrimSpace(cmd.OrderID),
			Order:   order,
			Err:     err,
		})
	}
	return results
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", mapRepositoryError(err, ErrOrderNotFound)
	}
	return fmt.Sprintf("SYN-%04d-%06d", now.Year(), seq), nil
}

func normalizeCartLines(lines []CartLine) ([]CartLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart must contain at least one item", ErrOrderInvalidInput)
	}
	merged := make([]CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		skuID := strings.TrimSpace(line.SKUID)
		if skuID == "" {
			return nil, fmt.Errorf("%w: sku id is required", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, skuID)
		}
		if pos, ok := index[skuID]; ok {
			merged[pos].Quantity += line.Quantity
			continue
		}
		index[skuID] = len(merged)
		merged = append(merged, CartLine{SKUID: skuID, Quantity: line.Quantity})
	}
	return merged, nil
}

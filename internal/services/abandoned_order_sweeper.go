package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

const (
	defaultReminderAfter     = 24 * time.Hour
	defaultCancelAfter       = 72 * time.Hour
	defaultSweepBatchSize    = 100
	defaultSweepQueryTimeout = 10 * time.Second
	invalidationSweep        = "order.sweep"
)

// SweeperConfig holds the thresholds of one sweeper run.
type SweeperConfig struct {
	ReminderAfter time.Duration
	CancelAfter   time.Duration
	BatchSize     int
	QueryTimeout  time.Duration
}

// AbandonedOrderSweeperDeps bundles collaborators required to construct the sweeper.
type AbandonedOrderSweeperDeps struct {
	Orders        repositories.OrderRepository
	History       repositories.OrderHistoryRepository
	Ledger        StockLedger
	UnitOfWork    repositories.UnitOfWork
	Notifications NotificationSender
	Invalidations InvalidationPublisher
	Config        SweeperConfig
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type abandonedOrderSweeper struct {
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	machine       orderStateMachine
	effects       lifecycleEffects
	notifications NotificationSender
	invalidations InvalidationPublisher
	cfg           SweeperConfig
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

var _ AbandonedOrderSweeper = (*abandonedOrderSweeper)(nil)

// NewAbandonedOrderSweeper validates thresholds and wires the sweeper.
func NewAbandonedOrderSweeper(deps AbandonedOrderSweeperDeps) (AbandonedOrderSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("sweeper: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("sweeper: history repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("sweeper: stock ledger is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("sweeper: unit of work is required")
	}

	cfg := deps.Config
	if cfg.ReminderAfter <= 0 {
		cfg.ReminderAfter = defaultReminderAfter
	}
	if cfg.CancelAfter <= 0 {
		cfg.CancelAfter = defaultCancelAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultSweepQueryTimeout
	}
	if cfg.CancelAfter <= cfg.ReminderAfter {
		return nil, fmt.Errorf("sweeper: cancel threshold %s must exceed reminder threshold %s", cfg.CancelAfter, cfg.ReminderAfter)
	}

	clock := utcClock(deps.Clock)
	newID := defaultIDGenerator(deps.IDGenerator)
	logger := defaultLogger(deps.Logger)

	return &abandonedOrderSweeper{
		orders:     deps.Orders,
		unitOfWork: deps.UnitOfWork,
		machine: orderStateMachine{
			orders:  deps.Orders,
			history: deps.History,
			clock:   clock,
			newID:   newID,
		},
		effects:       lifecycleEffects{ledger: deps.Ledger, logger: logger},
		notifications: deps.Notifications,
		invalidations: deps.Invalidations,
		cfg:           cfg,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Run processes one bounded batch of cancellations followed by one bounded batch of reminders. A
// failed batch query ends the run with an error; per-order failures are only counted.
func (s *abandonedOrderSweeper) Run(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.clock()
	cancelCutoff := now.Add(-s.cfg.CancelAfter)
	reminderCutoff := now.Add(-s.cfg.ReminderAfter)

	stale, err := s.list(ctx, repositories.AbandonedOrderFilter{
		CreatedAtOrBefore: cancelCutoff,
		Limit:             s.cfg.BatchSize,
	})
	if err != nil {
		s.logger(ctx, "sweeper.query.failed", map[string]any{"query": "cancel", "error": err.Error()})
		return result, fmt.Errorf("sweeper: list orders to cancel: %w", err)
	}
	if len(stale) >= s.cfg.BatchSize {
		result.MoreWork = true
	}

	reason := fmt.Sprintf("no payment after timeout (%s)", compactDuration(s.cfg.CancelAfter))
	for _, candidate := range stale {
		cancelled, restored, err := s.cancel(ctx, candidate.ID, cancelCutoff, reason)
		if err != nil {
			result.Errors++
			s.logger(ctx, "sweeper.cancel.failed", map[string]any{"orderId": candidate.ID, "error": err.Error()})
			continue
		}
		if cancelled {
			result.Cancelled++
		}
		if restored {
			result.StockRestored++
		}
	}

	due, err := s.list(ctx, repositories.AbandonedOrderFilter{
		CreatedAtOrBefore:   reminderCutoff,
		CreatedAfter:        cancelCutoff,
		OnlyWithoutReminder: true,
		Limit:               s.cfg.BatchSize,
	})
	if err != nil {
		s.logger(ctx, "sweeper.query.failed", map[string]any{"query": "reminder", "error": err.Error()})
		return result, fmt.Errorf("sweeper: list orders to remind: %w", err)
	}
	if len(due) >= s.cfg.BatchSize {
		result.MoreWork = true
	}

	for _, candidate := range due {
		sent, err := s.remind(ctx, candidate.ID, reminderCutoff, cancelCutoff)
		if err != nil {
			result.Errors++
			s.logger(ctx, "sweeper.reminder.failed", map[string]any{"orderId": candidate.ID, "error": err.Error()})
			continue
		}
		if sent {
			result.RemindersSent++
		}
	}

	s.logger(ctx, "sweeper.completed", map[string]any{
		"remindersSent": result.RemindersSent,
		"cancelled":     result.Cancelled,
		"stockRestored": result.StockRestored,
		"errors":        result.Errors,
		"moreWork":      result.MoreWork,
	})
	return result, nil
}

func (s *abandonedOrderSweeper) list(ctx context.Context, filter repositories.AbandonedOrderFilter) ([]domain.Order, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.orders.ListAbandoned(queryCtx, filter)
}

// cancel re-checks the order under its row lock; an order paid since the batch query is skipped.
func (s *abandonedOrderSweeper) cancel(ctx context.Context, orderID string, cutoff time.Time, reason string) (bool, bool, error) {
	var (
		order     domain.Order
		cancelled bool
		outcome   effectOutcome
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		cancelled = false
		locked, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if !isAbandoned(locked) || locked.CreatedAt.After(cutoff) {
			return nil
		}
		if _, err := s.machine.transition(txCtx, &locked, domain.FieldStatus, string(domain.OrderStatusCancelled), domain.ActorSystem, reason); err != nil {
			return err
		}
		outcome, err = s.effects.apply(txCtx, &locked, domain.FieldStatus, string(domain.OrderStatusCancelled))
		if err != nil {
			return err
		}
		order = locked
		cancelled = true
		return nil
	})
	if err != nil || !cancelled {
		return false, false, err
	}

	publishInvalidation(ctx, s.invalidations, s.logger, InvalidationEvent{
		OrderID:    order.ID,
		Keys:       orderCacheKeys(order, outcome.stock.Movements),
		Reason:     invalidationSweep,
		OccurredAt: s.clock(),
	})
	_ = sendNotification(ctx, s.notifications, s.logger, order.ID, domain.TemplateOrderCancelled)
	return true, outcome.stock.Applied, nil
}

// remind hands the order to the notification sender, then marks it so later runs skip it. A failed
// send leaves the order unmarked for the next run.
func (s *abandonedOrderSweeper) remind(ctx context.Context, orderID string, reminderCutoff, cancelCutoff time.Time) (bool, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return false, mapRepositoryError(err, ErrOrderNotFound)
	}
	if !isAbandoned(order) || order.ReminderSentAt != nil {
		return false, nil
	}
	if err := sendNotification(ctx, s.notifications, s.logger, orderID, domain.TemplatePaymentReminder); err != nil {
		return false, err
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if !isAbandoned(locked) || locked.ReminderSentAt != nil {
			return nil
		}
		if locked.CreatedAt.After(reminderCutoff) || !locked.CreatedAt.After(cancelCutoff) {
			return nil
		}
		now := s.clock()
		locked.ReminderSentAt = &now
		locked.UpdatedAt = now
		if err := s.orders.Update(txCtx, locked); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func isAbandoned(order domain.Order) bool {
	return order.Status == domain.OrderStatusPending && order.PaymentStatus == domain.PaymentStatusPending && order.DeletedAt == nil
}

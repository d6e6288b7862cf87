package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/platform/config"
	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/repositories"
	"github.com/synclune/api/internal/services"
)

// PaymentGateway is the slice of payments.Gateway used by checkout and refunds.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

// Infrastructure carries the external collaborators built by the entrypoint. Nil members
// disable the services that need them.
type Infrastructure struct {
	Payments      PaymentGateway
	Notifications services.NotificationSender
	Invalidations services.InvalidationPublisher
	Probe         repositories.ReadinessProbe
	Logger        *zap.Logger
	Build         services.BuildInfo
	Clock         func() time.Time
}

// Services bundles the service-layer contracts that handlers and jobs rely upon.
type Services struct {
	Ledger    services.StockLedger
	Discounts services.DiscountService
	Orders    services.OrderService
	Checkout  services.CheckoutService
	Payments  services.PaymentEventProcessor
	Sweeper   services.AbandonedOrderSweeper
	Refunds   services.RefundCoordinator
	System    services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry.
func NewContainer(cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services
	events := func(component string) func(context.Context, string, map[string]any) {
		return observability.NewEventLogger(infra.Logger.Named(component))
	}

	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Orders:     reg.Orders(),
		Stock:      reg.Stock(),
		UnitOfWork: reg,
		Clock:      infra.Clock,
		Logger:     events("stock"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	svc.Ledger = ledger

	discounts, err := services.NewDiscountService(services.DiscountServiceDeps{
		Discounts: reg.Discounts(),
		Usages:    reg.DiscountUsage(),
		Clock:     infra.Clock,
		Logger:    events("discounts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build discount service: %w", err)
	}
	svc.Discounts = discounts

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          reg.Orders(),
		History:         reg.OrderHistory(),
		Stock:           reg.Stock(),
		Counters:        reg.Counters(),
		Ledger:          ledger,
		Discounts:       discounts,
		UnitOfWork:      reg,
		Notifications:   infra.Notifications,
		Invalidations:   infra.Invalidations,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
		Clock:           infra.Clock,
		Logger:          events("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	processor, err := services.NewPaymentEventProcessor(services.PaymentEventProcessorDeps{
		Orders:        reg.Orders(),
		History:       reg.OrderHistory(),
		Events:        reg.PaymentEvents(),
		Disputes:      reg.Disputes(),
		Refunds:       reg.Refunds(),
		Ledger:        ledger,
		Discounts:     discounts,
		UnitOfWork:    reg,
		Notifications: infra.Notifications,
		Invalidations: infra.Invalidations,
		Clock:         infra.Clock,
		Logger:        events("payment_events"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment event processor: %w", err)
	}
	svc.Payments = processor

	sweeper, err := services.NewAbandonedOrderSweeper(services.AbandonedOrderSweeperDeps{
		Orders:        reg.Orders(),
		History:       reg.OrderHistory(),
		Ledger:        ledger,
		UnitOfWork:    reg,
		Notifications: infra.Notifications,
		Invalidations: infra.Invalidations,
		Config: services.SweeperConfig{
			ReminderAfter: cfg.Sweeper.ReminderAfter,
			CancelAfter:   cfg.Sweeper.CancelAfter,
			BatchSize:     cfg.Sweeper.BatchSize,
			QueryTimeout:  cfg.Sweeper.QueryTimeout,
		},
		Clock:  infra.Clock,
		Logger: events("sweeper"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build abandoned order sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	if infra.Payments != nil {
		checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Orders:      orders,
			Repository:  reg.Orders(),
			Payments:    infra.Payments,
			UnitOfWork:  reg,
			SuccessURL:  cfg.Checkout.SuccessURL,
			CancelURL:   cfg.Checkout.CancelURL,
			CallTimeout: cfg.PSP.CallTimeout,
			Logger:      events("checkout"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkout

		refunds, err := services.NewRefundCoordinator(services.RefundCoordinatorDeps{
			Orders:      reg.Orders(),
			Refunds:     reg.Refunds(),
			Payments:    infra.Payments,
			UnitOfWork:  reg,
			CallTimeout: cfg.PSP.CallTimeout,
			Clock:       infra.Clock,
			Logger:      events("refunds"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build refund coordinator: %w", err)
		}
		svc.Refunds = refunds
	}

	if infra.Probe != nil {
		build := infra.Build
		if build.Environment == "" {
			build.Environment = cfg.Server.Environment
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			Probe: infra.Probe,
			Clock: infra.Clock,
			Build: build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

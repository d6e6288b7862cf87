package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/platform/config"
	"github.com/synclune/api/internal/platform/jobs"
	pmysql "github.com/synclune/api/internal/platform/mysql"
	"github.com/synclune/api/internal/platform/notify"
	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/repositories"
	mysqlrepo "github.com/synclune/api/internal/repositories/mysql"
	"github.com/synclune/api/internal/services"
)

const (
	invalidationPublishTimeout = 5 * time.Second
	notifyPublishTimeout       = 5 * time.Second
)

// RuntimeOptions tunes process bootstrap.
type RuntimeOptions struct {
	Build services.BuildInfo
	// Migrate applies the embedded schema before the registry is used.
	Migrate bool
	// Webhooks builds the Stripe signature verifier. The sweeper has no use for it.
	Webhooks bool
}

// Runtime owns the process-wide clients built from configuration together with the container
// that uses them.
type Runtime struct {
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Redis     *redis.Client
	Webhooks  *payments.StripeWebhookVerifier
	Container *Container

	closers []func(context.Context) error
}

// NewRuntime connects to every configured backing service. Optional integrations that are not
// configured fall back to local stand-ins: notifications are logged and invalidations dropped.
func NewRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger, opts RuntimeOptions) (_ *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.Close(closeCtx)
		}
	}()

	provider := pmysql.NewProvider(cfg.Database)
	rt.closers = append(rt.closers, provider.Close)
	if opts.Migrate {
		if err := mysqlrepo.Migrate(ctx, provider); err != nil {
			return rt, fmt.Errorf("migrate schema: %w", err)
		}
		logger.Info("database schema applied")
	}
	registry, err := mysqlrepo.NewRegistry(provider)
	if err != nil {
		return rt, fmt.Errorf("build mysql registry: %w", err)
	}

	checks := []repositories.DependencyCheck{{
		Name:     "mysql",
		Critical: true,
		Check:    provider.Ping,
	}}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.Redis = rdb
		rt.closers = append(rt.closers, func(context.Context) error { return rdb.Close() })
		checks = append(checks, repositories.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	var notifier services.NotificationSender = notify.NewLogSender(logger.Named("notify"))
	if url := strings.TrimSpace(cfg.Notifications.AMQPURL); url != "" {
		sender, err := notify.Dial(url, notify.Config{
			Exchange:      cfg.Notifications.Exchange,
			RoutingPrefix: cfg.Notifications.RoutingPrefix,
			Timeout:       notifyPublishTimeout,
		})
		if err != nil {
			return rt, fmt.Errorf("connect notification broker: %w", err)
		}
		notifier = sender
		rt.closers = append(rt.closers, func(context.Context) error { return sender.Close() })
	} else {
		logger.Warn("notifications: no broker configured; requests are only logged")
	}

	var invalidations services.InvalidationPublisher
	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return rt, fmt.Errorf("create pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.InvalidationTopic)
		rt.closers = append(rt.closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		publisher, err := jobs.NewPubSubInvalidationPublisher(topic, invalidationPublishTimeout)
		if err != nil {
			return rt, err
		}
		invalidations = publisher
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	} else {
		logger.Warn("invalidations: no pubsub project configured; cache events are dropped")
	}

	var gateway PaymentGateway
	if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: payments.StripeLogger(observability.NewEventLogger(logger.Named("stripe"))),
			Clock:  time.Now,
		})
		if err != nil {
			return rt, fmt.Errorf("build stripe provider: %w", err)
		}
		stripeGateway, err := payments.NewGateway("stripe", stripeProvider, payments.WithCurrencies(cfg.PSP.Currencies...))
		if err != nil {
			return rt, fmt.Errorf("build payment gateway: %w", err)
		}
		gateway = stripeGateway
	} else {
		logger.Warn("payments: stripe api key not configured; checkout and refunds are disabled")
	}

	if opts.Webhooks {
		if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
			verifier, err := payments.NewStripeWebhookVerifier(secret)
			if err != nil {
				return rt, fmt.Errorf("build webhook verifier: %w", err)
			}
			rt.Webhooks = verifier
		} else {
			logger.Warn("payments: webhook secret not configured; webhooks are rejected")
		}
	}

	probe, err := repositories.NewReadinessProbe(checks)
	if err != nil {
		return rt, fmt.Errorf("build readiness probe: %w", err)
	}

	rt.Metrics = observability.NewMetrics()

	container, err := NewContainer(cfg, registry, Infrastructure{
		Payments:      gateway,
		Notifications: notifier,
		Invalidations: invalidations,
		Probe:         probe,
		Logger:        logger,
		Build:         opts.Build,
	})
	if err != nil {
		return rt, err
	}
	rt.Container = container
	return rt, nil
}

// Close releases clients in reverse creation order.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

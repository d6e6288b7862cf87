package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/synclune/api/internal/di"
	"github.com/synclune/api/internal/platform/config"
	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/services"
)

// defaultMaxPasses keeps a scheduled run to one bounded batch; leftovers wait for the next run.
const defaultMaxPasses = 1

// The sweeper runs as a scheduled job: it sweeps one batch of abandoned orders by default, pushes
// its metrics and exits non-zero when any pass failed.
func main() {
	migrate := flag.Bool("migrate", false, "apply the database schema before sweeping")
	maxPasses := flag.Int("max-passes", defaultMaxPasses, "upper bound on consecutive batches in one run, for draining a backlog by hand")
	flag.Parse()

	logger, err := observability.NewLogger("sweeper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	if err := run(ctx, logger, *migrate, *maxPasses); err != nil {
		logger.Error("sweep failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, migrate bool, maxPasses int) error {
	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment values: %w", err)
	}
	fetcher, err := di.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(di.RequiredSecrets(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v", missing.RedactedNames())
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	rt, err := di.NewRuntime(ctx, cfg, logger, di.RuntimeOptions{
		Build:   services.BuildInfo{Environment: cfg.Server.Environment, StartedAt: time.Now().UTC()},
		Migrate: migrate,
	})
	if err != nil {
		return fmt.Errorf("initialise runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("runtime close error", zap.Error(err))
		}
	}()

	sweepErr := sweep(ctx, logger, rt.Container.Services.Sweeper, rt.Metrics, maxPasses)

	pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Metrics.Push(pushCtx, cfg.Sweeper.PushgatewayURL, cfg.Sweeper.JobName); err != nil {
		logger.Warn("metrics push failed", zap.Error(err))
	}
	return sweepErr
}

// sweepRecorder is the slice of the metrics registry the loop reports to.
type sweepRecorder interface {
	RecordSweep(counts observability.SweepCounts, runErr error, finishedAt time.Time)
}

// sweep repeats batches while the previous one reported more work, up to maxPasses.
func sweep(ctx context.Context, logger *zap.Logger, sweeper services.AbandonedOrderSweeper, recorder sweepRecorder, maxPasses int) error {
	if maxPasses <= 0 {
		maxPasses = 1
	}
	var total services.SweepResult
	for pass := 1; pass <= maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := sweeper.Run(ctx)
		recorder.RecordSweep(observability.SweepCounts{
			RemindersSent: result.RemindersSent,
			Cancelled:     result.Cancelled,
			StockRestored: result.StockRestored,
			Errors:        result.Errors,
		}, err, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("sweep pass %d: %w", pass, err)
		}

		total.RemindersSent += result.RemindersSent
		total.Cancelled += result.Cancelled
		total.StockRestored += result.StockRestored
		total.Errors += result.Errors
		total.MoreWork = result.MoreWork
		if !result.MoreWork {
			break
		}
	}

	logger.Info("sweep finished",
		zap.Int("reminders_sent", total.RemindersSent),
		zap.Int("cancelled", total.Cancelled),
		zap.Int("stock_restored", total.StockRestored),
		zap.Int("errors", total.Errors),
		zap.Bool("more_work", total.MoreWork),
	)
	if total.Errors > 0 {
		return fmt.Errorf("%d orders could not be swept", total.Errors)
	}
	return nil
}

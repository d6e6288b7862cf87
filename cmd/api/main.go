package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/synclune/api/internal/di"
	"github.com/synclune/api/internal/handlers"
	"github.com/synclune/api/internal/platform/auth"
	"github.com/synclune/api/internal/platform/config"
	"github.com/synclune/api/internal/platform/idempotency"
	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/services"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the database schema before serving")
	flag.Parse()

	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := di.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
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
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	rt, err := di.NewRuntime(ctx, cfg, logger, di.RuntimeOptions{
		Build:    buildInfo,
		Migrate:  *migrate,
		Webhooks: true,
	})
	if err != nil {
		logger.Fatal("failed to initialise runtime", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("runtime close error", zap.Error(err))
		}
	}()
	rt.Metrics.RegisterRuntimeCollectors()

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if cfg.Idempotency.Backend == "redis" && rt.Redis != nil {
		idempotencyStore = idempotency.NewRedisStore(rt.Redis)
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	adminMiddlewares := []func(http.Handler) http.Handler{idempotencyMiddleware}
	if audience := strings.TrimSpace(cfg.AdminAuth.Audience); audience != "" {
		authLogger := logger.Named("auth")
		operators, err := auth.NewOperatorVerifier(
			auth.NewJWKSCache(cfg.AdminAuth.JWKSURL, auth.WithJWKSLogger(authLogger)),
			audience,
			auth.WithOperatorIssuers(cfg.AdminAuth.Issuers...),
			auth.WithOperatorDomains(cfg.AdminAuth.AllowedDomains...),
			auth.WithOperatorLogger(authLogger),
		)
		if err != nil {
			logger.Fatal("failed to initialise operator verifier", zap.Error(err))
		}
		adminMiddlewares = append([]func(http.Handler) http.Handler{operators.Middleware}, adminMiddlewares...)
	} else {
		logger.Warn("admin auth: no oidc audience configured; trusting the forwarded actor header")
	}

	svc := rt.Container.Services

	checkoutHandlers := handlers.NewCheckoutHandlers(svc.Checkout, svc.Discounts,
		handlers.WithStartCheckoutMiddlewares(idempotencyMiddleware),
	)
	orderHandlers := handlers.NewOrderHandlers(svc.Orders)
	adminHandlers := handlers.NewAdminOrderHandlers(svc.Orders, svc.Refunds,
		handlers.WithTransitionRecorder(rt.Metrics),
	)
	var verifier handlers.WebhookVerifier
	if rt.Webhooks != nil {
		verifier = rt.Webhooks
	}
	webhookHandlers := handlers.NewWebhookHandlers(verifier, svc.Payments, rt.Metrics)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware,
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware,
		rt.Metrics.Middleware,
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithStorefrontRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(adminMiddlewares...),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, rt.Metrics.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("synclune api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Server.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/di"
	"github.com/werkstatt-flow/api/internal/handlers"
	"github.com/werkstatt-flow/api/internal/platform/auth"
	"github.com/werkstatt-flow/api/internal/platform/config"
	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
	"github.com/werkstatt-flow/api/internal/platform/idempotency"
	"github.com/werkstatt-flow/api/internal/platform/jobs"
	"github.com/werkstatt-flow/api/internal/platform/metrics"
	"github.com/werkstatt-flow/api/internal/platform/observability"
	"github.com/werkstatt-flow/api/internal/platform/secrets"
	"github.com/werkstatt-flow/api/internal/platform/storage"
	"github.com/werkstatt-flow/api/internal/repositories"
	firestoreRepo "github.com/werkstatt-flow/api/internal/repositories/firestore"
	"github.com/werkstatt-flow/api/internal/repositories/memory"
	"github.com/werkstatt-flow/api/internal/services"
)

const (
	localProjectID     = "werkstatt-local"
	statusRateLimit    = 120
	statusRateWindow   = time.Minute
	shutdownGrace      = 20 * time.Second
	closeTimeout       = 5 * time.Second
	jwksRequestTimeout = 5 * time.Second
)

type serverOptions struct {
	memory  bool
	envFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts serverOptions
	cmd := &cobra.Command{
		Use:           "api",
		Short:         "Serve the repair order workflow API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "keep orders in process memory instead of Firestore")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the process environment")
	return cmd
}

func serve(ctx context.Context, opts serverOptions) error {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("API_LOG_LEVEL"), os.Getenv("API_ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return err
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	secretResolver, err := secrets.NewResolver(ctx, secretsProjectID(), secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Error("failed to initialise secret resolver", zap.Error(err))
		return err
	}
	defer func() {
		if err := secretResolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	loadOpts := []config.Option{config.WithEnvFile(opts.envFile), config.WithSecretResolver(secretResolver)}
	if opts.memory && os.Getenv("API_FIREBASE_PROJECT_ID") == "" && os.Getenv("API_FIRESTORE_PROJECT_ID") == "" {
		loadOpts = append(loadOpts, config.WithEnvMap(map[string]string{"API_FIRESTORE_PROJECT_ID": localProjectID}))
	}
	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}

	build := services.BuildInfo{
		Version:     envOr("API_BUILD_VERSION", "dev"),
		Environment: cfg.Server.Environment,
		StartedAt:   startedAt,
	}

	var (
		metricsRegistry *metrics.Registry
		engineMetrics   services.Metrics
		recorder        auth.VerificationRecorder
	)
	if cfg.Metrics.Enabled {
		metricsRegistry = metrics.New(cfg.Metrics.Namespace)
		engineMetrics = metricsRegistry
		recorder = metricsRegistry
	}

	var (
		registry    repositories.Registry
		events      services.EventPublisher
		submissions idempotency.Store
	)
	if opts.memory {
		logger.Warn("serving from process memory; orders are lost on exit")
		registry = memory.NewStore()
		submissions = idempotency.NewMemoryStore()
	} else {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Error("failed to initialise pubsub client", zap.Error(err))
			return err
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer topic.Stop()

		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Error("failed to initialise order event publisher", zap.Error(err))
			return err
		}
		events = publisher

		provider := pfirestore.NewProvider(cfg.Firestore)
		registry, err = firestoreRepo.NewRegistry(provider, topicProbe(topic))
		if err != nil {
			logger.Error("failed to initialise repositories", zap.Error(err))
			return err
		}
		submissions = idempotency.NewFirestoreStore(provider)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	containerOpts := []di.Option{
		di.WithLogger(baseLogger.Named("engine")),
		di.WithBuildInfo(build),
	}
	if events != nil {
		containerOpts = append(containerOpts, di.WithEventPublisher(events))
	}
	if engineMetrics != nil {
		containerOpts = append(containerOpts, di.WithMetrics(engineMetrics))
	}
	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Error("failed to wire services", zap.Error(err))
		return err
	}

	authenticator := auth.NewAuthenticator(nil)
	if verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase); err != nil {
		logger.Warn("firebase verifier unavailable; authenticated routes will return 503", zap.Error(err))
	} else {
		authenticator = auth.NewAuthenticator(verifier)
	}

	photos, err := buildPhotoUploads(cfg.Photos)
	if err != nil {
		logger.Error("failed to initialise photo uploads", zap.Error(err))
		return err
	}
	if photos == nil {
		logger.Info("photo uploads disabled; API_PHOTOS_BUCKET is not set")
	}

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(buildMiddlewares(baseLogger, cfg, metricsRegistry)...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(container.Services.System),
			handlers.WithHealthBuildInfo(build),
		)),
		handlers.WithWorkflowRoutes(handlers.NewWorkflowHandlers(authenticator, container.Resolver.Catalog()).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(
			authenticator,
			container.Services.Statuses,
			container.Services.Invoices,
			container.Resolver,
			handlers.WithRequirePhotos(cfg.Workflow.RequirePhotos),
			handlers.WithIdempotency(idempotency.NewGuard(submissions, idempotency.WithTTL(cfg.SubmissionTTL))),
			handlers.WithPhotoUploads(photos),
			handlers.WithStatusRateLimit(statusRateLimit, statusRateWindow, nil),
		).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminInvoiceHandlers(authenticator, container.Services.Exporter).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalInvoiceHandlers(container.Services.Invoices).Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger, cfg, recorder)),
	}
	if metricsRegistry != nil {
		routerOpts = append(routerOpts, handlers.WithMetricsHandler(metricsRegistry.Handler()))
	}
	router := handlers.NewRouter(routerOpts...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Info("starting http server",
			zap.String("version", build.Version),
			zap.String("environment", build.Environment),
			zap.Bool("memory", opts.memory),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			serverLogger.Error("http server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func buildPhotoUploads(cfg config.PhotosConfig) (*storage.PhotoUploads, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil
	}
	signer, err := storage.NewKeySigner([]byte(cfg.SignerJSON))
	if err != nil {
		return nil, err
	}
	return storage.NewPhotoUploads(cfg.Bucket, signer, cfg.MaxBytes, cfg.URLExpiry)
}

func buildMiddlewares(logger *zap.Logger, cfg config.Config, registry *metrics.Registry) []func(http.Handler) http.Handler {
	mws := []func(http.Handler) http.Handler{
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RequestLogger(logger.Named("http")),
		observability.Recoverer(logger),
	}
	if registry != nil {
		mws = append(mws, registry.Middleware)
	}
	return mws
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, recorder auth.VerificationRecorder) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Scheduler.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Scheduler.JWKSURL, &http.Client{Timeout: jwksRequestTimeout}, time.Now)
	validator := auth.NewOIDCValidator(cache, logger.Named("oidc"), recorder)
	return validator.RequireOIDC(audience, cfg.Scheduler.Issuers)
}

// topicProbe reports the order event topic in readiness checks.
func topicProbe(topic *pubsub.Topic) repositories.Probe {
	return repositories.Probe{
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
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// secretsProjectID runs before config is loaded, so it reads the environment directly.
func secretsProjectID() string {
	for _, key := range []string{"API_SECRETS_PROJECT_ID", "API_FIREBASE_PROJECT_ID", "API_FIRESTORE_PROJECT_ID"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/di"
	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/platform/auth"
	"github.com/werkstatt-flow/api/internal/platform/config"
	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
	"github.com/werkstatt-flow/api/internal/platform/secrets"
	"github.com/werkstatt-flow/api/internal/repositories"
	firestoreRepo "github.com/werkstatt-flow/api/internal/repositories/firestore"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// app holds the collaborators every subcommand builds on. Tests swap the
// loaders for in-memory fakes.
type app struct {
	logger       *zap.Logger
	now          func() time.Time
	loadConfig   func(ctx context.Context, envFile string) (config.Config, error)
	openRegistry func(ctx context.Context, cfg config.Config) (repositories.Registry, error)

	envFile        string
	overridesFile  string
	defaultService string
}

func newApp(logger *zap.Logger) *app {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &app{
		logger:       logger,
		now:          time.Now,
		loadConfig:   loadConfig(logger),
		openRegistry: openFirestoreRegistry,
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "werkstattctl",
		Short: "Operate the repair order workflow engine",
		Long: `Inspect workflow definitions, repair stored orders and manage invoices.

Commands that touch orders read the same API_* environment as the server,
including API_FIRESTORE_PROJECT_ID and the invoicing settings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the process environment")
	root.PersistentFlags().StringVar(&a.overridesFile, "overrides", os.Getenv("API_WORKFLOW_OVERRIDES_FILE"), "workflow overrides YAML for workflows and validate")
	root.PersistentFlags().StringVar(&a.defaultService, "default-service", envOr("API_WORKFLOW_DEFAULT_SERVICE", string(domain.ServiceLackier)), "fallback service for unknown tags")

	root.AddCommand(
		newWorkflowsCommand(a),
		newValidateCommand(a),
		newHealCommand(a),
		newAllocateCommand(a),
		newInvoicesCommand(a),
	)
	return root
}

// resolver builds the workflow resolver without touching storage.
func (a *app) resolver() (*workflow.Resolver, error) {
	return di.BuildResolver(config.WorkflowConfig{
		DefaultService: a.defaultService,
		OverridesFile:  a.overridesFile,
	})
}

// container loads config and opens storage. The returned func closes storage.
func (a *app) container(ctx context.Context) (*di.Container, func(), error) {
	cfg, err := a.loadConfig(ctx, a.envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	reg, err := a.openRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open repositories: %w", err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			a.logger.Warn("repository close error", zap.Error(err))
		}
	}
	c, err := di.NewContainer(ctx, cfg, reg, di.WithLogger(a.logger), di.WithClock(a.now))
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

func loadConfig(logger *zap.Logger) func(ctx context.Context, envFile string) (config.Config, error) {
	return func(ctx context.Context, envFile string) (config.Config, error) {
		projectID := envOr("API_SECRETS_PROJECT_ID", os.Getenv("API_FIREBASE_PROJECT_ID"))
		resolver, err := secrets.NewResolver(ctx, projectID, secrets.WithLogger(logger.Named("secrets")))
		if err != nil {
			return config.Config{}, err
		}
		defer func() {
			_ = resolver.Close()
		}()
		return config.Load(ctx, config.WithEnvFile(envFile), config.WithSecretResolver(resolver))
	}
}

func openFirestoreRegistry(_ context.Context, cfg config.Config) (repositories.Registry, error) {
	return firestoreRepo.NewRegistry(pfirestore.NewProvider(cfg.Firestore))
}

// operator is the actor recorded for CLI writes.
func operator() domain.Actor {
	name := envOr("USER", "operator")
	return domain.Actor{ID: "cli:" + name, DisplayName: name, Role: auth.RoleAdmin, CanOverride: true}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

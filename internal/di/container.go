package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/platform/config"
	"github.com/werkstatt-flow/api/internal/platform/requestctx"
	"github.com/werkstatt-flow/api/internal/repositories"
	"github.com/werkstatt-flow/api/internal/services"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Statuses services.StatusService
	Invoices services.InvoiceService
	Exporter services.InvoiceExporter
	System   services.SystemService
}

// Container wires repositories, the workflow resolver and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Resolver     *workflow.Resolver
	Sequencer    *services.InvoiceSequencer
	Services     Services
}

// Option customises the collaborators NewContainer hands to services.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	events  services.EventPublisher
	metrics services.Metrics
	clock   func() time.Time
	build   services.BuildInfo
}

// WithLogger routes service events to logger when no request logger is on the context.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventPublisher sets the sink for order events. Nil disables publishing.
func WithEventPublisher(events services.EventPublisher) Option {
	return func(o *options) { o.events = events }
}

// WithMetrics sets the engine counters.
func WithMetrics(m services.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuildInfo sets the metadata reported by readiness checks.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *options) { o.build = info }
}

// NewContainer constructs the runtime dependencies. Production wiring passes
// the Firestore registry; tests and the CLI can supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	resolver, err := BuildResolver(cfg.Workflow)
	if err != nil {
		return nil, err
	}
	sequencer, err := buildSequencer(reg, cfg.Invoicing, o)
	if err != nil {
		return nil, err
	}
	svc, err := buildServices(ctx, reg, cfg, resolver, sequencer, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Resolver:     resolver,
		Sequencer:    sequencer,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// BuildResolver assembles the workflow resolver from the default catalogue,
// the optional overrides file and the configured default service.
func BuildResolver(cfg config.WorkflowConfig) (*workflow.Resolver, error) {
	catalog := workflow.DefaultCatalog()
	overrides, err := workflow.LoadOverrides(cfg.OverridesFile)
	if err != nil {
		return nil, err
	}
	if overrides.FallbackService == "" {
		overrides.FallbackService = cfg.DefaultService
	}
	resolverOpts, err := overrides.ResolverOptions(catalog)
	if err != nil {
		return nil, err
	}
	resolver, err := workflow.NewResolver(catalog, resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("build workflow resolver: %w", err)
	}
	return resolver, nil
}

func buildSequencer(reg repositories.Registry, cfg config.InvoicingConfig, o options) (*services.InvoiceSequencer, error) {
	var vat decimal.Decimal
	if raw := strings.TrimSpace(cfg.VATRate); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("build invoice sequencer: vat rate %q: %w", raw, err)
		}
		vat = parsed
	}
	var location *time.Location
	if name := strings.TrimSpace(cfg.Timezone); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("build invoice sequencer: timezone %q: %w", name, err)
		}
		location = loc
	}
	seq, err := services.NewInvoiceSequencer(services.InvoiceSequencerDeps{
		Counters:     reg.Counters(),
		Partners:     reg.Partners(),
		Clock:        o.clock,
		Prefix:       cfg.Prefix,
		CounterID:    cfg.CounterID,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      gax.Backoff{Initial: cfg.RetryInitial, Max: cfg.RetryMax},
		VATRate:      vat,
		PaymentTerms: time.Duration(cfg.PaymentTermsDays) * 24 * time.Hour,
		Location:     location,
		Metrics:      o.metrics,
		Logger:       EventLogger(o.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build invoice sequencer: %w", err)
	}
	return seq, nil
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, resolver *workflow.Resolver, sequencer *services.InvoiceSequencer, o options) (Services, error) {
	var svc Services

	updater, err := services.NewStatusUpdater(services.StatusUpdaterDeps{
		Orders:            reg.Orders(),
		Resolver:          resolver,
		Sequencer:         sequencer,
		Events:            o.events,
		Metrics:           o.metrics,
		Clock:             o.clock,
		MaxAttempts:       cfg.Workflow.MaxAttempts,
		Backoff:           gax.Backoff{Initial: cfg.Workflow.RetryInitial, Max: cfg.Workflow.RetryMax},
		InvoicingDisabled: !cfg.Invoicing.Enabled,
		Logger:            EventLogger(o.logger),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status updater: %w", err)
	}
	svc.Statuses = updater
	svc.Invoices = updater

	exporter, err := services.NewInvoiceExporter(reg.Orders())
	if err != nil {
		return Services{}, fmt.Errorf("build invoice exporter: %w", err)
	}
	svc.Exporter = exporter

	if healthRepo := reg.Health(); healthRepo != nil {
		build := o.build
		if build.Environment == "" {
			build.Environment = cfg.Server.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            o.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// EventLogger adapts zap to the services.Logger sink. The request logger on
// ctx wins over base so events carry the request id.
func EventLogger(base *zap.Logger) services.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if requestctx.IsNop(logger) {
			logger = base
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zf := make([]zap.Field, 0, len(keys)+1)
		zf = append(zf, zap.String("event", event))
		for _, key := range keys {
			zf = append(zf, zap.Any(key, fields[key]))
		}
		if strings.HasSuffix(event, "failed") || strings.HasSuffix(event, "skipped") || strings.HasSuffix(event, "exhausted") {
			logger.Warn(event, zf...)
			return
		}
		logger.Info(event, zf...)
	}
}

package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/werkstatt-flow/api/internal/platform/secrets"

// ErrNotFound is returned when neither Secret Manager nor the fallback file knows the secret.
var ErrNotFound = errors.New("secrets: secret not found")

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves sm:// references against Google Secret Manager. Values
// are cached for the lifetime of the process.
type Resolver struct {
	client     accessClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger
	retry      gax.Backoff
	attempts   int

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]string

	lookups metric.Int64Counter
}

type resolverConfig struct {
	client       accessClient
	clientOpts   []option.ClientOption
	logger       *zap.Logger
	fallbackPath string
	meter        metric.Meter
	attempts     int
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) { cfg.logger = logger }
}

// WithFallbackFile reads KEY=value pairs from path when Secret Manager is unreachable.
// Keys are secret names without scheme or project.
func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) { cfg.meter = m }
}

// WithAttempts sets how often a transient Secret Manager error is retried.
func WithAttempts(n int) Option {
	return func(cfg *resolverConfig) { cfg.attempts = n }
}

func withClient(client accessClient) Option {
	return func(cfg *resolverConfig) { cfg.client = client }
}

// NewResolver constructs a Resolver for projectID. If the Secret Manager client
// cannot be created the resolver serves from the fallback file only.
func NewResolver(ctx context.Context, projectID string, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{logger: zap.NewNop(), fallbackPath: ".secrets.local", attempts: 3}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.attempts <= 0 {
		cfg.attempts = 1
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	lookups, err := meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret lookups by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}

	r := &Resolver{
		client:       cfg.client,
		projectID:    strings.TrimSpace(projectID),
		logger:       cfg.logger,
		retry:        gax.Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
		attempts:     cfg.attempts,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
		lookups:      lookups,
	}
	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, short, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	value, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		r.record(ctx, name, "cache")
		return value, nil
	}

	if r.client != nil {
		value, err := r.access(ctx, name)
		if err == nil {
			r.store(name, value)
			r.record(ctx, name, "remote")
			return value, nil
		}
		if !fallbackAllowed(err) {
			r.record(ctx, name, "error")
			return "", fmt.Errorf("secrets: access %s: %w", short, err)
		}
		r.logger.Debug("secrets: falling back to local file", zap.String("secret", short), zap.Error(err))
	}

	value, ok = r.lookupFallback(short)
	if !ok {
		r.record(ctx, name, "error")
		return "", fmt.Errorf("%w: %s", ErrNotFound, short)
	}
	r.store(name, value)
	r.record(ctx, name, "fallback")
	return value, nil
}

func (r *Resolver) access(ctx context.Context, name string) (string, error) {
	backoff := r.retry
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err == nil {
			if resp.GetPayload() == nil {
				return "", fmt.Errorf("empty payload for %s", name)
			}
			return string(resp.GetPayload().GetData()), nil
		}
		lastErr = err
		if status.Code(err) != codes.Unavailable || attempt == r.attempts {
			break
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// resourceName expands sm://name, sm://name@version and full
// sm://projects/p/secrets/s/versions/v references.
func (r *Resolver) resourceName(ref string) (string, string, error) {
	trimmed := strings.TrimSpace(ref)
	rest, ok := strings.CutPrefix(trimmed, "sm://")
	if !ok {
		rest, ok = strings.CutPrefix(trimmed, "secret://")
	}
	if !ok || strings.Trim(rest, "/") == "" {
		return "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	rest = strings.Trim(rest, "/")
	if strings.HasPrefix(rest, "projects/") {
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 4 && parts[2] == "secrets":
			return rest + "/versions/latest", parts[3], nil
		case len(parts) == 6 && parts[2] == "secrets" && parts[4] == "versions":
			return rest, parts[3], nil
		default:
			return "", "", fmt.Errorf("secrets: malformed reference %q", ref)
		}
	}
	secret, version, found := strings.Cut(rest, "@")
	if !found || version == "" {
		version = "latest"
	}
	if r.projectID == "" {
		return "", "", fmt.Errorf("secrets: no project configured for %q", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.projectID, secret, version), secret, nil
}

func (r *Resolver) lookupFallback(secret string) (string, bool) {
	r.fallbackOnce.Do(func() {
		if r.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("secrets: read fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		r.fallback = values
	})
	value, ok := r.fallback[secret]
	return value, ok
}

func (r *Resolver) store(name, value string) {
	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
}

func (r *Resolver) record(ctx context.Context, name, source string) {
	sum := sha256.Sum256([]byte(name))
	r.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", hex.EncodeToString(sum[:6])),
	))
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultEnvironment      = "local"
	defaultOrderEventsTopic = "order-events"
	defaultDefaultService   = "lackier"
	defaultStatusAttempts   = 5
	defaultStatusBackoff    = 50 * time.Millisecond
	defaultStatusBackoffMax = 2 * time.Second
	defaultInvoicePrefix    = "RE"
	defaultInvoiceCounterID = "invoices"
	defaultInvoiceTimezone  = "Europe/Berlin"
	defaultCounterAttempts  = 6
	defaultCounterBackoff   = 25 * time.Millisecond
	defaultCounterMaxDelay  = time.Second
	defaultPaymentTermsDays = 14
	defaultVATRate          = "19"
	defaultJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer       = "https://accounts.google.com"
	defaultMetricsNamespace = "werkstatt"
	defaultPhotoMaxBytes    = 15 << 20
	defaultPhotoURLExpiry   = 10 * time.Minute
	defaultSubmissionTTL    = 24 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	Workflow  WorkflowConfig
	Invoicing InvoicingConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	Secrets   SecretsConfig
	Photos    PhotosConfig
	// SubmissionTTL is how long Idempotency-Key responses are replayed.
	SubmissionTTL time.Duration
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Environment  string
}

// FirebaseConfig stores Firebase project settings. CredentialsJSON may be a
// Secret Manager reference.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic order events are published to. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// WorkflowConfig tunes the status engine.
type WorkflowConfig struct {
	DefaultService string
	OverridesFile  string
	RequirePhotos  bool
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// InvoicingConfig controls invoice numbering and pricing.
type InvoicingConfig struct {
	Enabled          bool
	Prefix           string
	CounterID        string
	MaxAttempts      int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	PaymentTermsDays int
	VATRate          string
	// Timezone names the workshop location that assigns invoices to months.
	Timezone string
}

// SchedulerConfig controls OIDC verification of Cloud Scheduler callers.
type SchedulerConfig struct {
	Audience string
	Issuers  []string
	JWKSURL  string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// PhotosConfig enables signed upload URLs for work step photos. SignerJSON is
// a service account key or a Secret Manager reference to one.
type PhotosConfig struct {
	Bucket     string
	SignerJSON string
	MaxBytes   int64
	URLExpiry  time.Duration
}

// SecretsConfig configures the Secret Manager resolver.
type SecretsConfig struct {
	ProjectID string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path. An empty path disables .env loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the configuration from defaults, the .env file, the process
// environment and explicit values, in increasing precedence.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			Environment:  strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			CredentialsJSON: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_JSON", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Workflow: WorkflowConfig{
			DefaultService: stringWithDefault(lookup, "API_WORKFLOW_DEFAULT_SERVICE", defaultDefaultService),
			OverridesFile:  stringWithDefault(lookup, "API_WORKFLOW_OVERRIDES_FILE", ""),
			RequirePhotos:  boolWithDefault(lookup, "API_WORKFLOW_REQUIRE_PHOTOS", false),
			MaxAttempts:    intWithDefault(lookup, "API_WORKFLOW_MAX_ATTEMPTS", defaultStatusAttempts),
			RetryInitial:   durationWithDefault(lookup, "API_WORKFLOW_RETRY_INITIAL", defaultStatusBackoff),
			RetryMax:       durationWithDefault(lookup, "API_WORKFLOW_RETRY_MAX", defaultStatusBackoffMax),
		},
		Invoicing: InvoicingConfig{
			Enabled:          boolWithDefault(lookup, "API_INVOICING_ENABLED", true),
			Prefix:           stringWithDefault(lookup, "API_INVOICING_PREFIX", defaultInvoicePrefix),
			CounterID:        stringWithDefault(lookup, "API_INVOICING_COUNTER_ID", defaultInvoiceCounterID),
			MaxAttempts:      intWithDefault(lookup, "API_INVOICING_MAX_ATTEMPTS", defaultCounterAttempts),
			RetryInitial:     durationWithDefault(lookup, "API_INVOICING_RETRY_INITIAL", defaultCounterBackoff),
			RetryMax:         durationWithDefault(lookup, "API_INVOICING_RETRY_MAX", defaultCounterMaxDelay),
			PaymentTermsDays: intWithDefault(lookup, "API_INVOICING_PAYMENT_TERMS_DAYS", defaultPaymentTermsDays),
			VATRate:          stringWithDefault(lookup, "API_INVOICING_VAT_RATE", defaultVATRate),
			Timezone:         stringWithDefault(lookup, "API_INVOICING_TIMEZONE", defaultInvoiceTimezone),
		},
		Scheduler: SchedulerConfig{
			Audience: stringWithDefault(lookup, "API_SCHEDULER_OIDC_AUDIENCE", ""),
			Issuers:  csvWithDefault(lookup, "API_SCHEDULER_OIDC_ISSUERS"),
			JWKSURL:  stringWithDefault(lookup, "API_SCHEDULER_OIDC_JWKS_URL", defaultJWKSURL),
		},
		Metrics: MetricsConfig{
			Enabled:   boolWithDefault(lookup, "API_METRICS_ENABLED", true),
			Namespace: stringWithDefault(lookup, "API_METRICS_NAMESPACE", defaultMetricsNamespace),
		},
		Secrets: SecretsConfig{
			ProjectID: stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
		},
		Photos: PhotosConfig{
			Bucket:     stringWithDefault(lookup, "API_PHOTOS_BUCKET", ""),
			SignerJSON: stringWithDefault(lookup, "API_PHOTOS_SIGNER_JSON", ""),
			MaxBytes:   int64(intWithDefault(lookup, "API_PHOTOS_MAX_BYTES", defaultPhotoMaxBytes)),
			URLExpiry:  durationWithDefault(lookup, "API_PHOTOS_URL_EXPIRY", defaultPhotoURLExpiry),
		},
		SubmissionTTL: durationWithDefault(lookup, "API_SUBMISSION_TTL", defaultSubmissionTTL),
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Scheduler.Issuers) == 0 {
		cfg.Scheduler.Issuers = []string{defaultOIDCIssuer}
	}

	resolved, err := resolveSecret(ctx, cfg.Firebase.CredentialsJSON, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Firebase.CredentialsJSON = resolved

	signer, err := resolveSecret(ctx, cfg.Photos.SignerJSON, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Photos.SignerJSON = signer

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "sm://") || strings.HasPrefix(value, "secret://")
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "secret://"); ok {
		return "sm://" + rest
	}
	return value
}

func validateConfig(cfg Config) error {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Workflow.DefaultService) == "" {
		invalid = append(invalid, "Workflow.DefaultService")
	}
	if cfg.Workflow.MaxAttempts <= 0 {
		invalid = append(invalid, "Workflow.MaxAttempts")
	}
	if cfg.Workflow.RetryInitial <= 0 || cfg.Workflow.RetryMax < cfg.Workflow.RetryInitial {
		invalid = append(invalid, "Workflow.RetryInitial")
	}
	if strings.TrimSpace(cfg.Invoicing.Prefix) == "" {
		invalid = append(invalid, "Invoicing.Prefix")
	}
	if strings.TrimSpace(cfg.Invoicing.CounterID) == "" {
		invalid = append(invalid, "Invoicing.CounterID")
	}
	if cfg.Invoicing.MaxAttempts <= 0 {
		invalid = append(invalid, "Invoicing.MaxAttempts")
	}
	if cfg.Invoicing.RetryInitial <= 0 || cfg.Invoicing.RetryMax < cfg.Invoicing.RetryInitial {
		invalid = append(invalid, "Invoicing.RetryInitial")
	}
	if cfg.Invoicing.PaymentTermsDays < 0 {
		invalid = append(invalid, "Invoicing.PaymentTermsDays")
	}
	if rate, err := strconv.ParseFloat(cfg.Invoicing.VATRate, 64); err != nil || rate < 0 || rate >= 100 {
		invalid = append(invalid, "Invoicing.VATRate")
	}
	if _, err := time.LoadLocation(cfg.Invoicing.Timezone); err != nil || strings.TrimSpace(cfg.Invoicing.Timezone) == "" {
		invalid = append(invalid, "Invoicing.Timezone")
	}
	if cfg.Photos.Bucket != "" && (cfg.Photos.MaxBytes <= 0 || cfg.Photos.URLExpiry <= 0) {
		invalid = append(invalid, "Photos.MaxBytes")
	}
	if cfg.SubmissionTTL <= 0 {
		invalid = append(invalid, "SubmissionTTL")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

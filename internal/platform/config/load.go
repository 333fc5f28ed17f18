package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Option func(*loadSettings)

type loadSettings struct {
	envFile         string
	overrides       map[string]string
	systemEnv       bool
	resolver        SecretResolver
	requiredSecrets []string
}

// WithEnvFile replaces the default ".env". An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(s *loadSettings) { s.envFile = path }
}

// WithEnvMap supplies values that win over both the file and the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(s *loadSettings) { s.overrides = values }
}

// WithoutSystemEnv ignores the process environment, for tests.
func WithoutSystemEnv() Option {
	return func(s *loadSettings) { s.systemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(s *loadSettings) { s.resolver = resolver }
}

// WithRequiredSecrets names secret fields, such as "Redis.Password", that must not resolve empty.
func WithRequiredSecrets(names ...string) Option {
	return func(s *loadSettings) { s.requiredSecrets = append(s.requiredSecrets, names...) }
}

func settingsFrom(opts []Option) loadSettings {
	s := loadSettings{envFile: ".env", systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// EnvironmentValues merges the sources Load reads, lowest precedence first: the .env file, the
// process environment, then WithEnvMap.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	s := settingsFrom(opts)
	values, err := readDotEnv(s.envFile)
	if err != nil {
		return nil, err
	}
	if s.systemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	maps.Copy(values, s.overrides)
	return values, nil
}

// Load builds the configuration. Unset variables keep their defaults. A malformed value or an
// invalid combination fails with *ValidationError, an unresolvable secret with *SecretError.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	s := settingsFrom(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := &envReader{values: values}
	cfg := defaults()

	env.str(&cfg.Server.Port, "API_SERVER_PORT")
	env.dur(&cfg.Server.ReadTimeout, "API_SERVER_READ_TIMEOUT")
	env.dur(&cfg.Server.WriteTimeout, "API_SERVER_WRITE_TIMEOUT")
	env.dur(&cfg.Server.IdleTimeout, "API_SERVER_IDLE_TIMEOUT")

	env.str(&cfg.Firebase.ProjectID, "API_FIREBASE_PROJECT_ID")
	env.str(&cfg.Firebase.CredentialsFile, "API_FIREBASE_CREDENTIALS_FILE")
	env.flag(&cfg.Firebase.CheckRevoked, "API_FIREBASE_CHECK_REVOKED")
	env.str(&cfg.Firestore.ProjectID, "API_FIRESTORE_PROJECT_ID")
	env.str(&cfg.Firestore.EmulatorHost, "API_FIRESTORE_EMULATOR_HOST")

	env.str(&cfg.Storage.ExportsBucket, "API_STORAGE_EXPORTS_BUCKET")
	env.str(&cfg.Storage.SignerKey, "API_STORAGE_SIGNER_KEY")

	env.str(&cfg.PubSub.ProjectID, "API_PUBSUB_PROJECT_ID")
	env.str(&cfg.PubSub.OrderEventsTopic, "API_PUBSUB_ORDER_EVENTS_TOPIC")
	env.str(&cfg.PubSub.NotificationsTopic, "API_PUBSUB_NOTIFICATIONS_TOPIC")

	env.str(&cfg.Redis.Addr, "API_REDIS_ADDR")
	env.str(&cfg.Redis.Password, "API_REDIS_PASSWORD")
	env.num(&cfg.Redis.DB, "API_REDIS_DB")
	env.dur(&cfg.Redis.PromotionTTL, "API_REDIS_PROMOTION_TTL")

	env.flag(&cfg.Scheduler.Enabled, "API_SCHEDULER_ENABLED")
	env.dur(&cfg.Scheduler.Interval, "API_SCHEDULER_INTERVAL")
	env.dur(&cfg.Scheduler.Dwell, "API_SCHEDULER_DWELL")
	env.num(&cfg.Scheduler.BatchSize, "API_SCHEDULER_BATCH_SIZE")

	env.amount(&cfg.Pricing.VATRate, "API_PRICING_VAT_RATE")
	env.amount(&cfg.Pricing.BaseShippingFee, "API_PRICING_BASE_SHIPPING_FEE")
	env.amount(&cfg.Pricing.FreeShippingThreshold, "API_PRICING_FREE_SHIPPING_THRESHOLD")

	env.num(&cfg.RateLimits.CartPerMinute, "API_RATELIMIT_CART_PER_MIN")
	env.num(&cfg.RateLimits.CartBurst, "API_RATELIMIT_CART_BURST")

	env.str(&cfg.Security.Environment, "API_SECURITY_ENVIRONMENT")
	cfg.Security.Environment = strings.ToLower(cfg.Security.Environment)
	env.list(&cfg.Security.AdminRoles, "API_SECURITY_ADMIN_ROLES")
	env.str(&cfg.Security.OIDC.JWKSURL, "API_SECURITY_OIDC_JWKS_URL")
	env.str(&cfg.Security.OIDC.Audience, "API_SECURITY_OIDC_AUDIENCE")
	env.list(&cfg.Security.OIDC.Issuers, "API_SECURITY_OIDC_ISSUERS")
	env.list(&cfg.Security.OIDC.AllowedCallers, "API_SECURITY_OIDC_ALLOWED_CALLERS")

	env.str(&cfg.Idempotency.Header, "API_IDEMPOTENCY_HEADER")
	env.dur(&cfg.Idempotency.TTL, "API_IDEMPOTENCY_TTL")
	env.dur(&cfg.Idempotency.CleanupInterval, "API_IDEMPOTENCY_CLEANUP_INTERVAL")
	env.num(&cfg.Idempotency.CleanupBatchSize, "API_IDEMPOTENCY_CLEANUP_BATCH")

	env.str(&cfg.Log.Level, "API_LOG_LEVEL")
	env.flag(&cfg.Log.Development, "API_LOG_DEVELOPMENT")
	env.str(&cfg.Secrets.ProjectID, "API_SECRETS_PROJECT_ID")
	env.str(&cfg.Secrets.FallbackFile, "API_SECRETS_FALLBACK_FILE")

	// Project ids cascade: Firebase -> Firestore -> Pub/Sub and Secret Manager.
	cfg.Firestore.ProjectID = firstNonEmpty(cfg.Firestore.ProjectID, cfg.Firebase.ProjectID)
	cfg.PubSub.ProjectID = firstNonEmpty(cfg.PubSub.ProjectID, cfg.Firestore.ProjectID)
	cfg.Secrets.ProjectID = firstNonEmpty(cfg.Secrets.ProjectID, cfg.Firestore.ProjectID)

	resolved, err := resolveSecretFields(ctx, s.resolver, map[string]*string{
		"Redis.Password":         &cfg.Redis.Password,
		"Security.OIDC.Audience": &cfg.Security.OIDC.Audience,
		"Storage.SignerKey":      &cfg.Storage.SignerKey,
	})
	if err != nil {
		return Config{}, err
	}
	if invalid := append(env.malformed, validate(cfg)...); len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}
	if missing := missingSecrets(s.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// ValidationError lists the fields, or the variables for malformed values, that were rejected.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// validate returns the fields whose values cannot work, in declaration order.
func validate(cfg Config) []string {
	rules := []struct {
		field string
		bad   bool
	}{
		{"Server.Port", cfg.Server.Port == ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID == ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID == ""},
		{"Scheduler.Interval", cfg.Scheduler.Interval <= 0},
		{"Scheduler.Dwell", cfg.Scheduler.Dwell <= 0},
		{"Pricing.VATRate", cfg.Pricing.VATRate < 0 || cfg.Pricing.VATRate >= 100},
		{"Pricing.BaseShippingFee", cfg.Pricing.BaseShippingFee < 0},
		{"Pricing.FreeShippingThreshold", cfg.Pricing.FreeShippingThreshold < 0},
		{"Idempotency.Header", cfg.Idempotency.Header == ""},
		{"Idempotency.TTL", cfg.Idempotency.TTL <= 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval <= 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize <= 0},
	}
	var out []string
	for _, r := range rules {
		if r.bad {
			out = append(out, r.field)
		}
	}
	return out
}

// envReader overwrites a default only when the variable is set to a non blank value. Values
// that do not parse are collected rather than silently ignored.
type envReader struct {
	values    map[string]string
	malformed []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.values[key])
	return v, v != ""
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) dur(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		e.apply(key, err, func() { *dst = d })
	}
}

func (e *envReader) num(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		e.apply(key, err, func() { *dst = n })
	}
}

func (e *envReader) amount(dst *int64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		e.apply(key, err, func() { *dst = n })
	}
}

func (e *envReader) flag(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		default:
			e.malformed = append(e.malformed, key)
		}
	}
}

// list reads a comma separated value. Empty items are dropped.
func (e *envReader) list(dst *[]string, key string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func (e *envReader) apply(key string, err error, set func()) {
	if err != nil {
		e.malformed = append(e.malformed, key)
		return
	}
	set()
}

// readDotEnv parses path with godotenv. A missing file yields an empty map.
func readDotEnv(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	parsed, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return values, nil
	case err != nil:
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	maps.Copy(values, parsed)
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package config assembles the service configuration from a .env file, the process environment
// and Secret Manager references. Every variable is prefixed API_.
package config

import "time"

// Config is the complete runtime configuration, one section per concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Redis       RedisConfig
	Scheduler   SchedulerConfig
	Pricing     PricingConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
	Secrets     SecretsConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every verification consult the revocation list.
	CheckRevoked bool
}

// FirestoreConfig falls back to the Firebase project when ProjectID is unset.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

type StorageConfig struct {
	// ExportsBucket receives order archives. Archiving is disabled when empty.
	ExportsBucket string
	// SignerKey is a service account key JSON, normally a secret reference. When empty the
	// runtime service account signs through IAM.
	SignerKey string
}

// PubSubConfig names the topics order events and notifications are published to.
type PubSubConfig struct {
	ProjectID          string
	OrderEventsTopic   string
	NotificationsTopic string
}

// RedisConfig configures the optional promotion cache and idempotency store. An empty Addr
// disables both.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PromotionTTL time.Duration
}

// SchedulerConfig drives the automatic delivered to received transition.
type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	Dwell     time.Duration
	BatchSize int
}

// PricingConfig holds the constants of the pricing engine. Amounts are in đồng.
type PricingConfig struct {
	VATRate               int64
	BaseShippingFee       int64
	FreeShippingThreshold int64
}

type RateLimitConfig struct {
	CartPerMinute int
	CartBurst     int
}

type SecurityConfig struct {
	Environment string
	AdminRoles  []string
	OIDC        OIDCConfig
}

// OIDCConfig controls verification of the Google-signed tokens that guard /internal routes.
type OIDCConfig struct {
	JWKSURL        string
	Audience       string
	Issuers        []string
	AllowedCallers []string
}

type LogConfig struct {
	Level       string
	Development bool
}

type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// defaults is the configuration used for every variable left unset.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		},
		PubSub: PubSubConfig{
			OrderEventsTopic:   "order-events",
			NotificationsTopic: "order-notifications",
		},
		Redis:     RedisConfig{PromotionTTL: time.Minute},
		Scheduler: SchedulerConfig{Enabled: true, Interval: 30 * time.Second, Dwell: 24 * time.Hour, BatchSize: 500},
		Pricing:   PricingConfig{VATRate: 8, BaseShippingFee: 30000, FreeShippingThreshold: 200000},
		RateLimits: RateLimitConfig{
			CartPerMinute: 120,
			CartBurst:     20,
		},
		Security: SecurityConfig{
			Environment: "local",
			AdminRoles:  []string{"admin", "staff"},
			OIDC: OIDCConfig{
				JWKSURL: "https://www.googleapis.com/oauth2/v3/certs",
				Issuers: []string{"https://accounts.google.com"},
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           "Idempotency-Key",
			TTL:              24 * time.Hour,
			CleanupInterval:  time.Hour,
			CleanupBatchSize: 200,
		},
		Log:     LogConfig{Level: "info"},
		Secrets: SecretsConfig{FallbackFile: ".secrets.local"},
	}
}

package extension

import "time"

// Store drivers understood by Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Webhook verifiers understood by Config.WebhookVerifier.
const (
	VerifierHMAC   = "hmac"
	VerifierStripe = "stripe"
)

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BaseCurrency is the currency analytics report in (default: "usd").
	BaseCurrency string `json:"base_currency" mapstructure:"base_currency" yaml:"base_currency"`

	// StoreDriver selects the backend built around the grove.DB passed
	// with WithGroveDB: postgres, sqlite or mongo. Ignored when a store is
	// set with WithStore. Without either, an in-memory store is used.
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// WebhookSecret enables event ingestion. Without it Ingest returns
	// tally.ErrNoVerifier.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// WebhookVerifier is hmac or stripe (default: hmac). The stripe
	// verifier also switches the decoder to Stripe's event format.
	WebhookVerifier string `json:"webhook_verifier" mapstructure:"webhook_verifier" yaml:"webhook_verifier"`

	// WebhookTolerance bounds the age of timestamped signatures (default: 5m).
	WebhookTolerance time.Duration `json:"webhook_tolerance" mapstructure:"webhook_tolerance" yaml:"webhook_tolerance"`

	// IngestTimeout bounds the processing of one event (default: 5s).
	IngestTimeout time.Duration `json:"ingest_timeout" mapstructure:"ingest_timeout" yaml:"ingest_timeout"`

	// DunningScheduleDays are retry offsets in days from the first
	// failure (default: 3, 7, 14, 21).
	DunningScheduleDays []int `json:"dunning_schedule_days" mapstructure:"dunning_schedule_days" yaml:"dunning_schedule_days"`

	// DunningInterval is how often the dunning worker runs (default: 1h).
	DunningInterval time.Duration `json:"dunning_interval" mapstructure:"dunning_interval" yaml:"dunning_interval"`

	// ChurnWindow limits churn to subscriptions created within it. Zero
	// means all time.
	ChurnWindow time.Duration `json:"churn_window" mapstructure:"churn_window" yaml:"churn_window"`

	// RedisAddr switches subscription locking to Redis so that several
	// processes can ingest events. Ignored when WithRedis is used.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// LockTTL is the Redis lock lease (default: 30s).
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// StripeAPIKey enables the Stripe payment provider.
	StripeAPIKey string `json:"stripe_api_key" mapstructure:"stripe_api_key" yaml:"stripe_api_key"`

	// MetricsNamespace prefixes Prometheus metric names (default: "tally").
	MetricsNamespace string `json:"metrics_namespace" mapstructure:"metrics_namespace" yaml:"metrics_namespace"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseCurrency:        "usd",
		WebhookVerifier:     VerifierHMAC,
		WebhookTolerance:    5 * time.Minute,
		IngestTimeout:       5 * time.Second,
		DunningScheduleDays: []int{3, 7, 14, 21},
		DunningInterval:     time.Hour,
		LockTTL:             30 * time.Second,
		MetricsNamespace:    "tally",
	}
}

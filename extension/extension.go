// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate Tally
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/gateway/stripe"
	"github.com/xraph/tally/lock/redislock"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/observability/prom"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
	"github.com/xraph/tally/webhook"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription and billing reconciliation engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tally.Engine
	store      store.Store
	groveDB    *grove.DB
	redis      redis.UniversalClient
	ownsRedis  bool
	registerer prometheus.Registerer
	engineOpts []tally.Option
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tally engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the tally engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	s, err := buildStore(e.store, e.groveDB, e.config.StoreDriver)
	if err != nil {
		return err
	}
	e.store = s

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = tally.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}
	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	defer e.MarkStopped()

	var errs tally.MultiError
	if e.engine != nil {
		errs.Add(e.engine.Stop())
	}
	if e.ownsRedis && e.redis != nil {
		errs.Add(e.redis.Close())
	}
	return errs.Err()
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.redis != nil {
		return e.redis.Ping(ctx).Err()
	}
	return nil
}

// buildStore picks the store: an explicit one, then one built on db for
// driver, then memory.
func buildStore(s store.Store, db *grove.DB, driver string) (store.Store, error) {
	if s != nil {
		return s, nil
	}
	if db == nil {
		if driver != "" && driver != DriverMemory {
			return nil, fmt.Errorf("tally: store driver %q needs a grove database", driver)
		}
		return memory.New(), nil
	}
	switch driver {
	case DriverPostgres, "pg", "":
		return postgres.New(db), nil
	case DriverSQLite:
		return sqlite.New(db), nil
	case DriverMongo:
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("tally: unknown store driver %q", driver)
	}
}

// buildEngineOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]tally.Option, error) {
	cfg := e.config
	opts := make([]tally.Option, 0, len(e.engineOpts)+10)

	opts = append(opts,
		tally.WithMigrate(!cfg.DisableMigrate),
		tally.WithBaseCurrency(cfg.BaseCurrency),
		tally.WithDunningSchedule(dunning.ScheduleFromDays(cfg.DunningScheduleDays)),
		tally.WithDunningInterval(cfg.DunningInterval),
		tally.WithChurnWindow(cfg.ChurnWindow),
		tally.WithIngestTimeout(cfg.IngestTimeout),
		tally.WithNotifier(notify.NewLogNotifier(slog.Default())),
	)

	if cfg.StripeAPIKey != "" {
		opts = append(opts, tally.WithProvider(stripe.New(cfg.StripeAPIKey, nil)))
	}

	if cfg.WebhookSecret != "" {
		switch cfg.WebhookVerifier {
		case VerifierStripe:
			opts = append(opts,
				tally.WithVerifier(webhook.NewStripeVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)),
				tally.WithDecoder(webhook.StripeDecoder{}),
			)
		case VerifierHMAC, "":
			opts = append(opts, tally.WithVerifier(
				webhook.NewHMACVerifier(cfg.WebhookSecret, webhook.WithTolerance(cfg.WebhookTolerance)),
			))
		default:
			return nil, fmt.Errorf("tally: unknown webhook verifier %q", cfg.WebhookVerifier)
		}
	}

	if e.redis == nil && cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		e.ownsRedis = true
	}
	if e.redis != nil {
		opts = append(opts, tally.WithLocker(redislock.New(e.redis, redislock.WithTTL(cfg.LockTTL))))
	}

	if e.registerer != nil {
		factory := prom.New(e.registerer, prom.WithNamespace(cfg.MetricsNamespace))
		opts = append(opts, tally.WithPlugin(observability.NewMetricsExtension(factory)))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_currency", e.config.BaseCurrency),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("webhook_verifier", e.config.WebhookVerifier),
		forge.F("webhooks_enabled", e.config.WebhookSecret != ""),
		forge.F("stripe_enabled", e.config.StripeAPIKey != ""),
		forge.F("dunning_interval", e.config.DunningInterval),
		forge.F("redis_addr", e.config.RedisAddr),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.tally" first (namespaced pattern).
	if cm.IsSet("extensions.tally") {
		if err := cm.Bind("extensions.tally", &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", "extensions.tally"),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind extensions.tally config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "tally" key.
	if cm.IsSet("tally") {
		if err := cm.Bind("tally", &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", "tally"),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind tally config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = defaults.BaseCurrency
	}
	if cfg.WebhookVerifier == "" {
		cfg.WebhookVerifier = defaults.WebhookVerifier
	}
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = defaults.WebhookTolerance
	}
	if cfg.IngestTimeout == 0 {
		cfg.IngestTimeout = defaults.IngestTimeout
	}
	if len(cfg.DunningScheduleDays) == 0 {
		cfg.DunningScheduleDays = defaults.DunningScheduleDays
	}
	if cfg.DunningInterval == 0 {
		cfg.DunningInterval = defaults.DunningInterval
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = defaults.MetricsNamespace
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	fillString(&yamlConfig.BaseCurrency, programmaticConfig.BaseCurrency)
	fillString(&yamlConfig.StoreDriver, programmaticConfig.StoreDriver)
	fillString(&yamlConfig.WebhookSecret, programmaticConfig.WebhookSecret)
	fillString(&yamlConfig.WebhookVerifier, programmaticConfig.WebhookVerifier)
	fillString(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)
	fillString(&yamlConfig.StripeAPIKey, programmaticConfig.StripeAPIKey)
	fillString(&yamlConfig.MetricsNamespace, programmaticConfig.MetricsNamespace)

	// Duration fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.WebhookTolerance == 0 {
		yamlConfig.WebhookTolerance = programmaticConfig.WebhookTolerance
	}
	if yamlConfig.IngestTimeout == 0 {
		yamlConfig.IngestTimeout = programmaticConfig.IngestTimeout
	}
	if yamlConfig.DunningInterval == 0 {
		yamlConfig.DunningInterval = programmaticConfig.DunningInterval
	}
	if yamlConfig.ChurnWindow == 0 {
		yamlConfig.ChurnWindow = programmaticConfig.ChurnWindow
	}
	if yamlConfig.LockTTL == 0 {
		yamlConfig.LockTTL = programmaticConfig.LockTTL
	}
	if len(yamlConfig.DunningScheduleDays) == 0 {
		yamlConfig.DunningScheduleDays = programmaticConfig.DunningScheduleDays
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}

func fillString(dst *string, fallback string) {
	if *dst == "" {
		*dst = fallback
	}
}

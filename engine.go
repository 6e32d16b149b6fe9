package tally

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/analytics"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/webhook"
)

// Engine is the billing reconciliation engine. It owns every write to
// subscription status and dunning cases.
type Engine struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	locker   lock.Locker
	provider gateway.Provider
	notifier notify.Notifier
	verifier webhook.Verifier
	decoder  webhook.Decoder
	now      func() time.Time

	normalizer *money.Normalizer
	meter      *meter.Meter
	dunning    *dunning.Scheduler
	analytics  *analytics.Aggregator
	webhooks   *webhook.Gateway

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	migrate         bool
	refData         money.ReferenceData
	baseCurrency    string
	schedule        dunning.Schedule
	dunningInterval time.Duration
	churnWindow     time.Duration
	ingestTimeout   time.Duration
}

// New creates an Engine over s. Components are assembled after the options
// run, so option order does not matter.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		locker:          lock.NewLocal(),
		notifier:        notify.Nop,
		decoder:         webhook.JSONDecoder{},
		now:             time.Now,
		stopChan:        make(chan struct{}),
		migrate:         true,
		baseCurrency:    "usd",
		schedule:        dunning.DefaultSchedule(),
		dunningInterval: time.Hour,
		ingestTimeout:   5 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.normalizer = money.NewNormalizer(e.refData)
	if e.notifier == nil {
		e.notifier = notify.Nop
	}
	e.meter = meter.New(e.store,
		meter.WithClock(e.now),
		meter.WithLogger(e.logger),
	)
	e.dunning = dunning.NewScheduler(e.store,
		dunning.WithSchedule(e.schedule),
		dunning.WithNotifier(e.notifier),
		dunning.WithClock(e.now),
		dunning.WithLogger(e.logger),
	)
	e.analytics = analytics.New(e.store,
		analytics.WithBaseCurrency(e.baseCurrency),
		analytics.WithWindow(e.churnWindow),
		analytics.WithNormalizer(e.normalizer),
	)
	if e.verifier != nil {
		e.webhooks = webhook.NewGateway(e.store, e, e.verifier,
			webhook.WithDecoder(e.decoder),
			webhook.WithLocker(e.locker),
			webhook.WithTimeout(e.ingestTimeout),
			webhook.WithClock(e.now),
			webhook.WithLogger(e.logger),
		)
	}

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("tally: plugin not registered", "plugin", p.Name(), "error", err)
		}
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) { e.plugins.WithTimeout(d) }
}

// WithMigrate controls whether Start runs store migrations. Default true.
func WithMigrate(enabled bool) Option {
	return func(e *Engine) { e.migrate = enabled }
}

// WithReferenceData sets the currency and tax tables. The built-in table
// is used when unset.
func WithReferenceData(ref money.ReferenceData) Option {
	return func(e *Engine) { e.refData = ref }
}

// WithBaseCurrency sets the reporting currency of revenue snapshots.
func WithBaseCurrency(code string) Option {
	return func(e *Engine) { e.baseCurrency = code }
}

// WithDunningSchedule sets the retry offsets, measured from the first
// failure.
func WithDunningSchedule(s dunning.Schedule) Option {
	return func(e *Engine) {
		if len(s) > 0 {
			e.schedule = s
		}
	}
}

// WithDunningInterval sets how often the background worker runs due
// retries. Zero disables the worker; RunDunning can still be called.
func WithDunningInterval(d time.Duration) Option {
	return func(e *Engine) { e.dunningInterval = d }
}

// WithChurnWindow restricts the churn cohort to subscriptions created in
// the window before the snapshot time. Zero means all time.
func WithChurnWindow(d time.Duration) Option {
	return func(e *Engine) { e.churnWindow = d }
}

// WithLocker sets the per-subscription mutual exclusion. Multi-process
// deployments need a shared locker such as redislock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithProvider sets the payment gateway.
func WithProvider(p gateway.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithNotifier sets where user notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithVerifier enables webhook ingestion with the given signature check.
func WithVerifier(v webhook.Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithDecoder sets the webhook body format. Default webhook.JSONDecoder.
func WithDecoder(d webhook.Decoder) Option {
	return func(e *Engine) { e.decoder = d }
}

// WithIngestTimeout bounds verification and the dedupe check of a webhook
// delivery.
func WithIngestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ingestTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Start migrates the store, initializes plugins and starts the dunning
// worker.
func (e *Engine) Start(ctx context.Context) error {
	if e.migrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("tally: migrate: %w", err)
		}
	}

	if err := e.plugins.EmitInit(ctx, e); err != nil {
		return fmt.Errorf("tally: init plugins: %w", err)
	}

	if e.dunningInterval > 0 {
		e.wg.Add(1)
		go e.dunningWorker(ctx)
	}

	e.logger.Info("tally started",
		"base_currency", e.baseCurrency,
		"dunning_attempts", len(e.schedule),
		"dunning_interval", e.dunningInterval,
		"churn_window", e.churnWindow,
		"webhooks", e.webhooks != nil,
	)

	return nil
}

// Stop shuts down the worker, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	e.plugins.EmitShutdown(context.Background())

	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Normalizer returns the currency normalizer in use.
func (e *Engine) Normalizer() *money.Normalizer { return e.normalizer }

// Meter returns the usage meter.
func (e *Engine) Meter() *meter.Meter { return e.meter }

// Dunning returns the dunning scheduler.
func (e *Engine) Dunning() *dunning.Scheduler { return e.dunning }

// dunningWorker runs due retries on every tick.
func (e *Engine) dunningWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.dunningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := e.RunDunning(ctx, e.now())
			if err != nil {
				e.logger.Error("dunning run failed", "error", err)
				continue
			}
			if report.Due > 0 {
				e.logger.Debug("dunning run finished",
					"due", report.Due,
					"recovered", report.Recovered,
					"rescheduled", report.Rescheduled,
					"exhausted", report.Exhausted,
					"skipped", report.Skipped,
				)
			}
		}
	}
}

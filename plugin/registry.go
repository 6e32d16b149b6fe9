package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/analytics"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                      []OnInit
	onShutdown                  []OnShutdown
	onPlanCreated               []OnPlanCreated
	onPlanUpdated               []OnPlanUpdated
	onSubscriptionCreated       []OnSubscriptionCreated
	onSubscriptionChanged       []OnSubscriptionChanged
	onSubscriptionStatusChanged []OnSubscriptionStatusChanged
	onSubscriptionCanceled      []OnSubscriptionCanceled
	onTransactionRecorded       []OnTransactionRecorded
	onBillingRecorded           []OnBillingRecorded
	onDunningStarted            []OnDunningStarted
	onDunningAttempt            []OnDunningAttempt
	onDunningResolved           []OnDunningResolved
	onDunningExhausted          []OnDunningExhausted
	onUsageRecorded             []OnUsageRecorded
	onUsageRejected             []OnUsageRejected
	onWebhookReceived           []OnWebhookReceived
	onWebhookRejected           []OnWebhookRejected
	onOrphanEvent               []OnOrphanEvent
	onSnapshotComputed          []OnSnapshotComputed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
	}
	if v, ok := p.(OnPlanUpdated); ok {
		r.onPlanUpdated = append(r.onPlanUpdated, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionChanged); ok {
		r.onSubscriptionChanged = append(r.onSubscriptionChanged, v)
	}
	if v, ok := p.(OnSubscriptionStatusChanged); ok {
		r.onSubscriptionStatusChanged = append(r.onSubscriptionStatusChanged, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnTransactionRecorded); ok {
		r.onTransactionRecorded = append(r.onTransactionRecorded, v)
	}
	if v, ok := p.(OnBillingRecorded); ok {
		r.onBillingRecorded = append(r.onBillingRecorded, v)
	}
	if v, ok := p.(OnDunningStarted); ok {
		r.onDunningStarted = append(r.onDunningStarted, v)
	}
	if v, ok := p.(OnDunningAttempt); ok {
		r.onDunningAttempt = append(r.onDunningAttempt, v)
	}
	if v, ok := p.(OnDunningResolved); ok {
		r.onDunningResolved = append(r.onDunningResolved, v)
	}
	if v, ok := p.(OnDunningExhausted); ok {
		r.onDunningExhausted = append(r.onDunningExhausted, v)
	}
	if v, ok := p.(OnUsageRecorded); ok {
		r.onUsageRecorded = append(r.onUsageRecorded, v)
	}
	if v, ok := p.(OnUsageRejected); ok {
		r.onUsageRejected = append(r.onUsageRejected, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}
	if v, ok := p.(OnWebhookRejected); ok {
		r.onWebhookRejected = append(r.onWebhookRejected, v)
	}
	if v, ok := p.(OnOrphanEvent); ok {
		r.onOrphanEvent = append(r.onOrphanEvent, v)
	}
	if v, ok := p.(OnSnapshotComputed); ok {
		r.onSnapshotComputed = append(r.onSnapshotComputed, v)
	}

	r.logger.Debug("plugin registered", "plugin", p.Name())
	return nil
}

// Plugins returns all registered plugins.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

// EmitInit calls OnInit on every plugin. Unlike the other emitters it
// returns the first failure so the engine can refuse to start.
func (r *Registry) EmitInit(ctx context.Context, e any) error {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, e)
		}); err != nil {
			return fmt.Errorf("plugin %s init: %w", p.Name(), err)
		}
	}
	return nil
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, &r.onShutdown, "OnShutdown", func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitPlanCreated(ctx context.Context, p *plan.Plan) {
	emit(ctx, r, &r.onPlanCreated, "OnPlanCreated", func(h OnPlanCreated) error {
		return h.OnPlanCreated(ctx, p)
	})
}

func (r *Registry) EmitPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) {
	emit(ctx, r, &r.onPlanUpdated, "OnPlanUpdated", func(h OnPlanUpdated) error {
		return h.OnPlanUpdated(ctx, oldPlan, newPlan)
	})
}

func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, &r.onSubscriptionCreated, "OnSubscriptionCreated", func(h OnSubscriptionCreated) error {
		return h.OnSubscriptionCreated(ctx, sub)
	})
}

func (r *Registry) EmitSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) {
	emit(ctx, r, &r.onSubscriptionChanged, "OnSubscriptionChanged", func(h OnSubscriptionChanged) error {
		return h.OnSubscriptionChanged(ctx, sub, oldPlan, newPlan)
	})
}

func (r *Registry) EmitSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) {
	emit(ctx, r, &r.onSubscriptionStatusChanged, "OnSubscriptionStatusChanged", func(h OnSubscriptionStatusChanged) error {
		return h.OnSubscriptionStatusChanged(ctx, sub, from)
	})
}

func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, source subscription.CancelSource) {
	emit(ctx, r, &r.onSubscriptionCanceled, "OnSubscriptionCanceled", func(h OnSubscriptionCanceled) error {
		return h.OnSubscriptionCanceled(ctx, sub, source)
	})
}

func (r *Registry) EmitTransactionRecorded(ctx context.Context, txn *transaction.Transaction) {
	emit(ctx, r, &r.onTransactionRecorded, "OnTransactionRecorded", func(h OnTransactionRecorded) error {
		return h.OnTransactionRecorded(ctx, txn)
	})
}

func (r *Registry) EmitBillingRecorded(ctx context.Context, rec *invoice.Record) {
	emit(ctx, r, &r.onBillingRecorded, "OnBillingRecorded", func(h OnBillingRecorded) error {
		return h.OnBillingRecorded(ctx, rec)
	})
}

func (r *Registry) EmitDunningStarted(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, &r.onDunningStarted, "OnDunningStarted", func(h OnDunningStarted) error {
		return h.OnDunningStarted(ctx, c)
	})
}

func (r *Registry) EmitDunningAttempt(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, &r.onDunningAttempt, "OnDunningAttempt", func(h OnDunningAttempt) error {
		return h.OnDunningAttempt(ctx, c)
	})
}

func (r *Registry) EmitDunningResolved(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, &r.onDunningResolved, "OnDunningResolved", func(h OnDunningResolved) error {
		return h.OnDunningResolved(ctx, c)
	})
}

func (r *Registry) EmitDunningExhausted(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, &r.onDunningExhausted, "OnDunningExhausted", func(h OnDunningExhausted) error {
		return h.OnDunningExhausted(ctx, c)
	})
}

func (r *Registry) EmitUsageRecorded(ctx context.Context, rec *meter.UsageRecord, delta int64) {
	emit(ctx, r, &r.onUsageRecorded, "OnUsageRecorded", func(h OnUsageRecorded) error {
		return h.OnUsageRecorded(ctx, rec, delta)
	})
}

func (r *Registry) EmitUsageRejected(ctx context.Context, subID id.SubscriptionID, usageType string, cause error) {
	emit(ctx, r, &r.onUsageRejected, "OnUsageRejected", func(h OnUsageRejected) error {
		return h.OnUsageRejected(ctx, subID, usageType, cause)
	})
}

func (r *Registry) EmitWebhookReceived(ctx context.Context, ack webhook.Ack, elapsed time.Duration) {
	emit(ctx, r, &r.onWebhookReceived, "OnWebhookReceived", func(h OnWebhookReceived) error {
		return h.OnWebhookReceived(ctx, ack, elapsed)
	})
}

func (r *Registry) EmitWebhookRejected(ctx context.Context, size int, cause error) {
	emit(ctx, r, &r.onWebhookRejected, "OnWebhookRejected", func(h OnWebhookRejected) error {
		return h.OnWebhookRejected(ctx, size, cause)
	})
}

func (r *Registry) EmitOrphanEvent(ctx context.Context, ev webhook.Event, ref string) {
	emit(ctx, r, &r.onOrphanEvent, "OnOrphanEvent", func(h OnOrphanEvent) error {
		return h.OnOrphanEvent(ctx, ev, ref)
	})
}

func (r *Registry) EmitSnapshotComputed(ctx context.Context, snap *analytics.Snapshot, elapsed time.Duration) {
	emit(ctx, r, &r.onSnapshotComputed, "OnSnapshotComputed", func(h OnSnapshotComputed) error {
		return h.OnSnapshotComputed(ctx, snap, elapsed)
	})
}

// emit calls fn for every cached hook. Failures are logged, never returned:
// a plugin cannot fail a billing operation.
func emit[T Plugin](ctx context.Context, r *Registry, cached *[]T, hook string, fn func(T) error) {
	r.mu.RLock()
	plugins := *cached
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

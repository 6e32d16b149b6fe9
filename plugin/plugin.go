// Package plugin provides an extensible plugin system for Tally.
// Plugins hook into lifecycle events to extend functionality.
package plugin

import (
	"context"
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

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. e is the *tally.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, e any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

type OnPlanUpdated interface {
	Plugin
	OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a pending subscription is opened
// for a checkout.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionChanged is called when a subscription moves to another plan.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) error
}

// OnSubscriptionStatusChanged is called after a persisted status change.
type OnSubscriptionStatusChanged interface {
	Plugin
	OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error
}

type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, source subscription.CancelSource) error
}

// ──────────────────────────────────────────────────
// Money movement hooks
// ──────────────────────────────────────────────────

type OnTransactionRecorded interface {
	Plugin
	OnTransactionRecorded(ctx context.Context, txn *transaction.Transaction) error
}

type OnBillingRecorded interface {
	Plugin
	OnBillingRecorded(ctx context.Context, rec *invoice.Record) error
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

type OnDunningStarted interface {
	Plugin
	OnDunningStarted(ctx context.Context, c *dunning.Case) error
}

// OnDunningAttempt is called when a retry attempt comes due.
type OnDunningAttempt interface {
	Plugin
	OnDunningAttempt(ctx context.Context, c *dunning.Case) error
}

type OnDunningResolved interface {
	Plugin
	OnDunningResolved(ctx context.Context, c *dunning.Case) error
}

type OnDunningExhausted interface {
	Plugin
	OnDunningExhausted(ctx context.Context, c *dunning.Case) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded is called after delta units were added to rec.
type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, rec *meter.UsageRecord, delta int64) error
}

// OnUsageRejected is called when usage is refused or diverted to an
// adjustment.
type OnUsageRejected interface {
	Plugin
	OnUsageRejected(ctx context.Context, subID id.SubscriptionID, usageType string, err error) error
}

// ──────────────────────────────────────────────────
// Event ingestion hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called after an event was acknowledged.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, ack webhook.Ack, elapsed time.Duration) error
}

// OnWebhookRejected is called when an event fails verification or decoding.
type OnWebhookRejected interface {
	Plugin
	OnWebhookRejected(ctx context.Context, size int, err error) error
}

// OnOrphanEvent is called for events that reference no local subscription.
type OnOrphanEvent interface {
	Plugin
	OnOrphanEvent(ctx context.Context, ev webhook.Event, ref string) error
}

// ──────────────────────────────────────────────────
// Analytics hooks
// ──────────────────────────────────────────────────

type OnSnapshotComputed interface {
	Plugin
	OnSnapshotComputed(ctx context.Context, snap *analytics.Snapshot, elapsed time.Duration) error
}

// Package observability provides a metrics extension for Tally that records
// billing lifecycle counts through a MetricFactory.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tally/analytics"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                      = (*MetricsExtension)(nil)
	_ plugin.OnInit                      = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated               = (*MetricsExtension)(nil)
	_ plugin.OnPlanUpdated               = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated       = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged       = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled      = (*MetricsExtension)(nil)
	_ plugin.OnTransactionRecorded       = (*MetricsExtension)(nil)
	_ plugin.OnBillingRecorded           = (*MetricsExtension)(nil)
	_ plugin.OnDunningStarted            = (*MetricsExtension)(nil)
	_ plugin.OnDunningAttempt            = (*MetricsExtension)(nil)
	_ plugin.OnDunningResolved           = (*MetricsExtension)(nil)
	_ plugin.OnDunningExhausted          = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded             = (*MetricsExtension)(nil)
	_ plugin.OnUsageRejected             = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived           = (*MetricsExtension)(nil)
	_ plugin.OnWebhookRejected           = (*MetricsExtension)(nil)
	_ plugin.OnOrphanEvent               = (*MetricsExtension)(nil)
	_ plugin.OnSnapshotComputed          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// Gauge interface for metric gauges.
type Gauge interface {
	Set(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// MetricsExtension records system-wide billing metrics.
// Register it as a Tally plugin to track them automatically.
type MetricsExtension struct {
	factory MetricFactory
	// normalizer converts minor units to major units for amount histograms.
	normalizer *money.Normalizer

	// Plan metrics
	PlanCreated Counter
	PlanUpdated Counter

	// Subscription metrics
	SubscriptionCreated       Counter
	SubscriptionUpgraded      Counter
	SubscriptionDowngraded    Counter
	SubscriptionActivated     Counter
	SubscriptionPastDue       Counter
	SubscriptionCanceled      Counter
	SubscriptionDunningCancel Counter

	// Money metrics
	TransactionsSucceeded Counter
	TransactionsFailed    Counter
	TransactionAmount     Histogram
	BillingRecords        Counter

	// Dunning metrics
	DunningStarted   Counter
	DunningAttempts  Counter
	DunningResolved  Counter
	DunningExhausted Counter

	// Usage metrics
	UsageRecorded    Counter
	UsageUnits       Counter
	UsageRejected    Counter
	UsageAdjustments Counter

	// Event ingestion metrics
	WebhookReceived   Counter
	WebhookDuplicates Counter
	WebhookIgnored    Counter
	WebhookRejected   Counter
	WebhookLatency    Histogram
	OrphanEvents      Counter

	// Analytics gauges, refreshed on every snapshot
	MRR                Gauge
	ChurnRate          Gauge
	ARPU               Gauge
	PaymentSuccessRate Gauge
	SnapshotLatency    Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory:    factory,
		normalizer: money.NewNormalizer(nil),

		PlanCreated: factory.Counter("tally.plan.created"),
		PlanUpdated: factory.Counter("tally.plan.updated"),

		SubscriptionCreated:       factory.Counter("tally.subscription.created"),
		SubscriptionUpgraded:      factory.Counter("tally.subscription.upgraded"),
		SubscriptionDowngraded:    factory.Counter("tally.subscription.downgraded"),
		SubscriptionActivated:     factory.Counter("tally.subscription.activated"),
		SubscriptionPastDue:       factory.Counter("tally.subscription.past_due"),
		SubscriptionCanceled:      factory.Counter("tally.subscription.canceled"),
		SubscriptionDunningCancel: factory.Counter("tally.subscription.canceled.dunning"),

		TransactionsSucceeded: factory.Counter("tally.transaction.succeeded"),
		TransactionsFailed:    factory.Counter("tally.transaction.failed"),
		TransactionAmount:     factory.Histogram("tally.transaction.amount"),
		BillingRecords:        factory.Counter("tally.billing.records"),

		DunningStarted:   factory.Counter("tally.dunning.started"),
		DunningAttempts:  factory.Counter("tally.dunning.attempts"),
		DunningResolved:  factory.Counter("tally.dunning.resolved"),
		DunningExhausted: factory.Counter("tally.dunning.exhausted"),

		UsageRecorded:    factory.Counter("tally.usage.recorded"),
		UsageUnits:       factory.Counter("tally.usage.units"),
		UsageRejected:    factory.Counter("tally.usage.rejected"),
		UsageAdjustments: factory.Counter("tally.usage.adjustments"),

		WebhookReceived:   factory.Counter("tally.webhook.received"),
		WebhookDuplicates: factory.Counter("tally.webhook.duplicates"),
		WebhookIgnored:    factory.Counter("tally.webhook.ignored"),
		WebhookRejected:   factory.Counter("tally.webhook.rejected"),
		WebhookLatency:    factory.Histogram("tally.webhook.latency_ms"),
		OrphanEvents:      factory.Counter("tally.webhook.orphans"),

		MRR:                factory.Gauge("tally.analytics.mrr"),
		ChurnRate:          factory.Gauge("tally.analytics.churn_rate"),
		ARPU:               factory.Gauge("tally.analytics.arpu"),
		PaymentSuccessRate: factory.Gauge("tally.analytics.payment_success_rate"),
		SnapshotLatency:    factory.Histogram("tally.analytics.snapshot.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnPlanUpdated implements plugin.OnPlanUpdated.
func (m *MetricsExtension) OnPlanUpdated(_ context.Context, _, _ *plan.Plan) error {
	m.PlanUpdated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged. Upgrades
// and downgrades are told apart by the monthly equivalent price.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) error {
	oldPrice := oldPlan.MonthlyEquivalent(sub.Cycle)
	newPrice := newPlan.MonthlyEquivalent(sub.Cycle)
	if oldPrice.SameCurrency(newPrice) && newPrice.Amount < oldPrice.Amount {
		m.SubscriptionDowngraded.Inc()
		return nil
	}
	m.SubscriptionUpgraded.Inc()
	return nil
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (m *MetricsExtension) OnSubscriptionStatusChanged(_ context.Context, sub *subscription.Subscription, _ subscription.Status) error {
	switch sub.Status {
	case subscription.StatusActive:
		m.SubscriptionActivated.Inc()
	case subscription.StatusPastDue:
		m.SubscriptionPastDue.Inc()
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription, source subscription.CancelSource) error {
	m.SubscriptionCanceled.Inc()
	if source == subscription.SourceDunning {
		m.SubscriptionDunningCancel.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Money hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (m *MetricsExtension) OnTransactionRecorded(_ context.Context, txn *transaction.Transaction) error {
	switch txn.Status {
	case transaction.StatusSucceeded:
		m.TransactionsSucceeded.Inc()
		amount, _ := m.normalizer.ToMajor(txn.Amount).Float64()
		m.TransactionAmount.Observe(amount)
	case transaction.StatusFailed:
		m.TransactionsFailed.Inc()
	}
	return nil
}

// OnBillingRecorded implements plugin.OnBillingRecorded.
func (m *MetricsExtension) OnBillingRecorded(_ context.Context, _ *invoice.Record) error {
	m.BillingRecords.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

// OnDunningStarted implements plugin.OnDunningStarted.
func (m *MetricsExtension) OnDunningStarted(_ context.Context, _ *dunning.Case) error {
	m.DunningStarted.Inc()
	return nil
}

// OnDunningAttempt implements plugin.OnDunningAttempt.
func (m *MetricsExtension) OnDunningAttempt(_ context.Context, _ *dunning.Case) error {
	m.DunningAttempts.Inc()
	return nil
}

// OnDunningResolved implements plugin.OnDunningResolved.
func (m *MetricsExtension) OnDunningResolved(_ context.Context, _ *dunning.Case) error {
	m.DunningResolved.Inc()
	return nil
}

// OnDunningExhausted implements plugin.OnDunningExhausted.
func (m *MetricsExtension) OnDunningExhausted(_ context.Context, _ *dunning.Case) error {
	m.DunningExhausted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (m *MetricsExtension) OnUsageRecorded(_ context.Context, _ *meter.UsageRecord, delta int64) error {
	m.UsageRecorded.Inc()
	m.UsageUnits.Add(float64(delta))
	return nil
}

// OnUsageRejected implements plugin.OnUsageRejected.
func (m *MetricsExtension) OnUsageRejected(_ context.Context, _ id.SubscriptionID, _ string, err error) error {
	if errors.Is(err, meter.ErrPeriodClosed) {
		m.UsageAdjustments.Inc()
		return nil
	}
	m.UsageRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Event ingestion hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, ack webhook.Ack, elapsed time.Duration) error {
	m.WebhookReceived.Inc()
	switch {
	case ack.Duplicate:
		m.WebhookDuplicates.Inc()
	case ack.Ignored:
		m.WebhookIgnored.Inc()
	}
	m.WebhookLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnWebhookRejected implements plugin.OnWebhookRejected.
func (m *MetricsExtension) OnWebhookRejected(_ context.Context, _ int, _ error) error {
	m.WebhookRejected.Inc()
	return nil
}

// OnOrphanEvent implements plugin.OnOrphanEvent.
func (m *MetricsExtension) OnOrphanEvent(_ context.Context, _ webhook.Event, _ string) error {
	m.OrphanEvents.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Analytics hooks
// ──────────────────────────────────────────────────

// OnSnapshotComputed implements plugin.OnSnapshotComputed.
func (m *MetricsExtension) OnSnapshotComputed(_ context.Context, snap *analytics.Snapshot, elapsed time.Duration) error {
	mrr, _ := m.normalizer.ToMajor(snap.MRR).Float64()
	arpu, _ := m.normalizer.ToMajor(snap.ARPU).Float64()
	churn, _ := snap.ChurnRate.Float64()
	success, _ := snap.PaymentSuccessRate.Float64()

	m.MRR.Set(mrr)
	m.ARPU.Set(arpu)
	m.ChurnRate.Set(churn)
	m.PaymentSuccessRate.Set(success)
	m.SnapshotLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                      = (*Extension)(nil)
	_ plugin.OnPlanCreated               = (*Extension)(nil)
	_ plugin.OnPlanUpdated               = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated       = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged       = (*Extension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled      = (*Extension)(nil)
	_ plugin.OnTransactionRecorded       = (*Extension)(nil)
	_ plugin.OnBillingRecorded           = (*Extension)(nil)
	_ plugin.OnDunningStarted            = (*Extension)(nil)
	_ plugin.OnDunningAttempt            = (*Extension)(nil)
	_ plugin.OnDunningResolved           = (*Extension)(nil)
	_ plugin.OnDunningExhausted          = (*Extension)(nil)
	_ plugin.OnUsageRejected             = (*Extension)(nil)
	_ plugin.OnWebhookReceived           = (*Extension)(nil)
	_ plugin.OnWebhookRejected           = (*Extension)(nil)
	_ plugin.OnOrphanEvent               = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryBilling, nil,
		"slug", p.Slug,
		"monthly_price", p.MonthlyPrice.String(),
		"yearly_price", p.YearlyPrice.String(),
	)
}

// OnPlanUpdated implements plugin.OnPlanUpdated. Moving a plan to the
// archived status is recorded as its own action.
func (e *Extension) OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error {
	action := ActionPlanUpdated
	if newPlan.Status == plan.StatusArchived && oldPlan.Status != plan.StatusArchived {
		action = ActionPlanArchived
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourcePlan, newPlan.ID.String(), CategoryBilling, nil,
		"slug", newPlan.Slug,
		"repriced", !oldPlan.SamePricing(newPlan),
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"plan_id", sub.PlanID.String(),
		"cycle", string(sub.Cycle),
	)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) error {
	action := ActionSubscriptionUpgraded
	oldPrice := oldPlan.MonthlyEquivalent(sub.Cycle)
	newPrice := newPlan.MonthlyEquivalent(sub.Cycle)
	if oldPrice.SameCurrency(newPrice) && newPrice.Amount < oldPrice.Amount {
		action = ActionSubscriptionDowngraded
	}

	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"from_plan", oldPlan.ID.String(),
		"to_plan", newPlan.ID.String(),
	)
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (e *Extension) OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error {
	severity := SeverityInfo
	if sub.Status == subscription.StatusPastDue || sub.Status == subscription.StatusUnpaid {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionSubscriptionStatus, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"from", string(from),
		"to", string(sub.Status),
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, source subscription.CancelSource) error {
	severity := SeverityInfo
	if source == subscription.SourceDunning {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionSubscriptionCanceled, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"source", string(source),
		"cancel_reason", sub.CancelReason,
	)
}

// ──────────────────────────────────────────────────
// Money hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (e *Extension) OnTransactionRecorded(ctx context.Context, txn *transaction.Transaction) error {
	action, severity, outcome := ActionTransactionRecorded, SeverityInfo, OutcomeSuccess
	if txn.Status == transaction.StatusFailed {
		action, severity, outcome = ActionPaymentFailed, SeverityError, OutcomeFailure
	}
	return e.record(ctx, action, severity, outcome,
		ResourceTransaction, txn.ID.String(), CategoryPayment, nil,
		"user_id", txn.UserID,
		"amount", txn.Amount.String(),
		"status", string(txn.Status),
		"source_event_id", txn.SourceEventID,
	)
}

// OnBillingRecorded implements plugin.OnBillingRecorded.
func (e *Extension) OnBillingRecorded(ctx context.Context, rec *invoice.Record) error {
	return e.record(ctx, ActionBillingRecorded, SeverityInfo, OutcomeSuccess,
		ResourceBilling, rec.ID.String(), CategoryBilling, nil,
		"user_id", rec.UserID,
		"reason", string(rec.Reason),
		"amount_due", rec.AmountDue.String(),
		"amount_paid", rec.AmountPaid.String(),
	)
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

// OnDunningStarted implements plugin.OnDunningStarted.
func (e *Extension) OnDunningStarted(ctx context.Context, c *dunning.Case) error {
	return e.record(ctx, ActionDunningStarted, SeverityWarning, OutcomeFailure,
		ResourceDunning, c.ID.String(), CategoryPayment, nil,
		"subscription_id", c.SubscriptionID.String(),
		"failure_reason", c.FailureReason,
		"next_attempt_at", c.NextAttemptAt.Format(time.RFC3339),
	)
}

// OnDunningAttempt implements plugin.OnDunningAttempt.
func (e *Extension) OnDunningAttempt(ctx context.Context, c *dunning.Case) error {
	return e.record(ctx, ActionDunningAttempt, SeverityInfo, OutcomePartial,
		ResourceDunning, c.ID.String(), CategoryPayment, nil,
		"subscription_id", c.SubscriptionID.String(),
		"attempt", c.AttemptCount,
		"max_attempts", c.MaxAttempts,
	)
}

// OnDunningResolved implements plugin.OnDunningResolved.
func (e *Extension) OnDunningResolved(ctx context.Context, c *dunning.Case) error {
	return e.record(ctx, ActionDunningResolved, SeverityInfo, OutcomeSuccess,
		ResourceDunning, c.ID.String(), CategoryPayment, nil,
		"subscription_id", c.SubscriptionID.String(),
		"resolution", c.ResolutionReason,
	)
}

// OnDunningExhausted implements plugin.OnDunningExhausted.
func (e *Extension) OnDunningExhausted(ctx context.Context, c *dunning.Case) error {
	return e.record(ctx, ActionDunningExhausted, SeverityCritical, OutcomeFailure,
		ResourceDunning, c.ID.String(), CategoryPayment, nil,
		"subscription_id", c.SubscriptionID.String(),
		"attempts", c.AttemptCount,
	)
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageRejected implements plugin.OnUsageRejected. Late usage against a
// closed period becomes an adjustment rather than a plain rejection.
func (e *Extension) OnUsageRejected(ctx context.Context, subID id.SubscriptionID, usageType string, err error) error {
	action, outcome := ActionUsageRejected, OutcomeFailure
	if errors.Is(err, meter.ErrPeriodClosed) {
		action, outcome = ActionUsageAdjustment, OutcomePartial
	}
	return e.record(ctx, action, SeverityWarning, outcome,
		ResourceUsage, subID.String(), CategoryUsage, err,
		"usage_type", usageType,
	)
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived. Duplicate
// deliveries are not audited.
func (e *Extension) OnWebhookReceived(ctx context.Context, ack webhook.Ack, elapsed time.Duration) error {
	if ack.Duplicate {
		return nil
	}
	return e.record(ctx, ActionWebhookProcessed, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, ack.EventID, CategoryIntegration, nil,
		"type", string(ack.Type),
		"outcome", string(ack.Outcome),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnWebhookRejected implements plugin.OnWebhookRejected. Signature failures
// are security events.
func (e *Extension) OnWebhookRejected(ctx context.Context, size int, err error) error {
	severity, category := SeverityWarning, CategoryIntegration
	if errors.Is(err, webhook.ErrVerificationFailed) {
		severity, category = SeverityCritical, CategorySecurity
	}
	return e.record(ctx, ActionWebhookRejected, severity, OutcomeFailure,
		ResourceWebhook, "", category, err,
		"payload_bytes", size,
	)
}

// OnOrphanEvent implements plugin.OnOrphanEvent.
func (e *Extension) OnOrphanEvent(ctx context.Context, ev webhook.Event, ref string) error {
	return e.record(ctx, ActionOrphanEvent, SeverityWarning, OutcomePartial,
		ResourceWebhook, ev.ID, CategoryIntegration, nil,
		"type", string(ev.Type),
		"reference", ref,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

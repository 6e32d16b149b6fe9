package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/meter"
)

// ──────────────────────────────────────────────────
// Usage metering
// ──────────────────────────────────────────────────

// RecordUsage adds usage to a subscription's billing period. A zero period
// means the subscription's current one. Usage for a closed period is
// queued as an adjustment and returned as *meter.PeriodClosedError. A
// period overlapping another recorded period of the same usage type fails
// with ErrPeriodMismatch.
func (e *Engine) RecordUsage(ctx context.Context, u meter.Usage) (*meter.UsageRecord, error) {
	rec, err := e.recordUsage(ctx, u)
	if err != nil {
		e.plugins.EmitUsageRejected(ctx, u.SubscriptionID, u.UsageType, err)
		return nil, err
	}
	e.plugins.EmitUsageRecorded(ctx, rec, u.Amount)
	return rec, nil
}

func (e *Engine) recordUsage(ctx context.Context, u meter.Usage) (*meter.UsageRecord, error) {
	release, err := e.locker.Acquire(ctx, subLockKey(u.SubscriptionID))
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := e.store.GetSubscription(ctx, u.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: usage for %s", ErrSubscriptionCanceled, sub.ID)
	}
	if u.PeriodStart.IsZero() && u.PeriodEnd.IsZero() {
		if sub.CurrentPeriodStart.IsZero() {
			return nil, fmt.Errorf("%w: subscription %s has no billing period yet", ErrInvalidUsage, sub.ID)
		}
		u.PeriodStart, u.PeriodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	}
	return e.meter.RecordUsage(ctx, u)
}

// UsageSummary reports usage against plan limits for the period containing
// at. A zero at means now.
func (e *Engine) UsageSummary(ctx context.Context, subID id.SubscriptionID, at time.Time) ([]meter.Line, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = e.now()
	}
	return e.meter.Summary(ctx, subID, p, at)
}

// Adjustments lists late usage awaiting reconciliation. An empty status
// lists all.
func (e *Engine) Adjustments(ctx context.Context, subID id.SubscriptionID, status meter.AdjustmentStatus) ([]*meter.Adjustment, error) {
	return e.meter.Adjustments(ctx, subID, status)
}

// ResolveAdjustment marks a pending adjustment applied or discarded.
func (e *Engine) ResolveAdjustment(ctx context.Context, adjID id.AdjustmentID, status meter.AdjustmentStatus) (*meter.Adjustment, error) {
	return e.meter.ResolveAdjustment(ctx, adjID, status)
}

// Package meter accumulates metered usage per subscription and billing
// period and derives overage against plan limits.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/types"
)

var (
	ErrPeriodClosed   = errors.New("tally: billing period closed")
	ErrInvalidUsage   = errors.New("tally: invalid usage")
	ErrPeriodMismatch = errors.New("tally: usage period mismatch")
)

// PeriodClosedError is returned when usage arrives after its period ended.
// The usage has been queued as Adjustment.
type PeriodClosedError struct {
	Adjustment *Adjustment
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("%s: %s usage for period ending %s queued as %s",
		ErrPeriodClosed, e.Adjustment.UsageType, e.Adjustment.PeriodEnd.Format(time.RFC3339), e.Adjustment.ID)
}

func (e *PeriodClosedError) Unwrap() error { return ErrPeriodClosed }

// Usage is a single usage report.
type Usage struct {
	SubscriptionID id.SubscriptionID
	UsageType      string
	Amount         int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
	RatePerUnit    decimal.Decimal
}

func (u Usage) validate(now time.Time) error {
	switch {
	case u.SubscriptionID.IsNil():
		return fmt.Errorf("%w: subscription id is required", ErrInvalidUsage)
	case strings.TrimSpace(u.UsageType) == "":
		return fmt.Errorf("%w: usage type is required", ErrInvalidUsage)
	case u.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidUsage, u.Amount)
	case !u.PeriodEnd.After(u.PeriodStart):
		return fmt.Errorf("%w: period end must be after start", ErrInvalidUsage)
	case now.Before(u.PeriodStart):
		return fmt.Errorf("%w: period starting %s has not opened", ErrInvalidUsage, u.PeriodStart.Format(time.RFC3339))
	case u.RatePerUnit.IsNegative():
		return fmt.Errorf("%w: negative rate", ErrInvalidUsage)
	}
	return nil
}

// Meter is the only writer of usage records.
type Meter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Meter)

func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) { m.logger = l }
}

func New(store Store, opts ...Option) *Meter {
	m := &Meter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordUsage adds u to its period's record. Usage for a period that has
// already ended is not applied; it is queued as an adjustment and a
// *PeriodClosedError is returned.
func (m *Meter) RecordUsage(ctx context.Context, u Usage) (*UsageRecord, error) {
	now := m.now().UTC()
	u.PeriodStart, u.PeriodEnd = u.PeriodStart.UTC(), u.PeriodEnd.UTC()
	if err := u.validate(now); err != nil {
		return nil, err
	}

	if !now.Before(u.PeriodEnd) {
		adj := &Adjustment{
			Entity:         types.NewEntityAt(now),
			ID:             id.NewAdjustmentID(),
			SubscriptionID: u.SubscriptionID,
			UsageType:      u.UsageType,
			Amount:         u.Amount,
			PeriodStart:    u.PeriodStart,
			PeriodEnd:      u.PeriodEnd,
			RatePerUnit:    u.RatePerUnit,
			Status:         AdjustmentPending,
			Reason:         "period_closed",
		}
		if err := m.store.CreateAdjustment(ctx, adj); err != nil {
			return nil, fmt.Errorf("meter: queue adjustment: %w", err)
		}
		m.logger.Info("late usage queued",
			"subscription_id", u.SubscriptionID.String(),
			"usage_type", u.UsageType,
			"amount", u.Amount,
			"adjustment_id", adj.ID.String(),
		)
		return nil, &PeriodClosedError{Adjustment: adj}
	}

	incoming := &UsageRecord{
		Entity:         types.NewEntityAt(now),
		ID:             id.NewUsageID(),
		SubscriptionID: u.SubscriptionID,
		UsageType:      u.UsageType,
		PeriodStart:    u.PeriodStart,
		PeriodEnd:      u.PeriodEnd,
		Amount:         u.Amount,
		RatePerUnit:    u.RatePerUnit,
	}
	if err := m.checkPeriods(ctx, incoming); err != nil {
		return nil, err
	}

	rec, err := m.store.IncrementUsage(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("meter: increment usage: %w", err)
	}
	return rec, nil
}

func (m *Meter) checkPeriods(ctx context.Context, incoming *UsageRecord) error {
	existing, err := m.store.ListUsage(ctx, incoming.SubscriptionID, ListOpts{UsageType: incoming.UsageType})
	if err != nil {
		return fmt.Errorf("meter: list usage: %w", err)
	}
	for _, r := range existing {
		if err := CheckPeriod(r, incoming); err != nil {
			return err
		}
	}
	return nil
}

// CheckPeriod reports whether incoming may be merged into, or stored next
// to, existing. Both must share subscription and usage type. Records for
// the same period must agree on its end and rate; records for different
// periods must not overlap.
func CheckPeriod(existing, incoming *UsageRecord) error {
	if existing.SubscriptionID.String() != incoming.SubscriptionID.String() || existing.UsageType != incoming.UsageType {
		return nil
	}
	if existing.PeriodStart.Equal(incoming.PeriodStart) {
		if !existing.PeriodEnd.Equal(incoming.PeriodEnd) {
			return fmt.Errorf("%w: %s period starting %s ends %s, not %s", ErrPeriodMismatch, incoming.UsageType,
				existing.PeriodStart.Format(time.RFC3339), existing.PeriodEnd.Format(time.RFC3339), incoming.PeriodEnd.Format(time.RFC3339))
		}
		if !existing.RatePerUnit.Equal(incoming.RatePerUnit) {
			return fmt.Errorf("%w: %s period starting %s is rated %s, not %s", ErrPeriodMismatch, incoming.UsageType,
				existing.PeriodStart.Format(time.RFC3339), existing.RatePerUnit, incoming.RatePerUnit)
		}
		return nil
	}
	if existing.PeriodStart.Before(incoming.PeriodEnd) && incoming.PeriodStart.Before(existing.PeriodEnd) {
		return fmt.Errorf("%w: %s period [%s, %s) overlaps [%s, %s)", ErrPeriodMismatch, incoming.UsageType,
			incoming.PeriodStart.Format(time.RFC3339), incoming.PeriodEnd.Format(time.RFC3339),
			existing.PeriodStart.Format(time.RFC3339), existing.PeriodEnd.Format(time.RFC3339))
	}
	return nil
}

// ComputeOverage returns max(0, used - limit) * rate. Unlimited or unknown
// features never incur overage. A record without its own rate falls back
// to the plan feature's overage rate.
func ComputeOverage(rec *UsageRecord, p *plan.Plan) decimal.Decimal {
	units, rate := overage(rec, p)
	return decimal.NewFromInt(units).Mul(rate)
}

func overage(rec *UsageRecord, p *plan.Plan) (int64, decimal.Decimal) {
	if rec == nil || p == nil {
		return 0, decimal.Zero
	}
	f := p.FindFeature(rec.UsageType)
	if f == nil || f.Type != plan.FeatureMetered || f.Limit == plan.Unlimited {
		return 0, decimal.Zero
	}
	rate := rec.RatePerUnit
	if rate.IsZero() {
		rate = f.OverageRate
	}
	over := rec.Amount - f.Limit
	if over <= 0 {
		return 0, rate
	}
	return over, rate
}

// Summary reports usage against every metered feature of p for the period
// containing at. Features without recorded usage show zero use.
func (m *Meter) Summary(ctx context.Context, subID id.SubscriptionID, p *plan.Plan, at time.Time) ([]Line, error) {
	records, err := m.store.ListUsage(ctx, subID, ListOpts{At: at.UTC()})
	if err != nil {
		return nil, fmt.Errorf("meter: list usage: %w", err)
	}
	byType := make(map[string]*UsageRecord, len(records))
	for _, r := range records {
		byType[r.UsageType] = r
	}

	var lines []Line
	for _, f := range p.Features {
		if f.Type != plan.FeatureMetered {
			continue
		}
		rec := byType[f.Key]
		if rec == nil {
			rec = &UsageRecord{SubscriptionID: subID, UsageType: f.Key}
		}
		units, rate := overage(rec, p)

		remaining := plan.Unlimited
		if f.Limit != plan.Unlimited {
			remaining = max(f.Limit-rec.Amount, 0)
		}
		lines = append(lines, Line{
			UsageType:    f.Key,
			PeriodStart:  rec.PeriodStart,
			PeriodEnd:    rec.PeriodEnd,
			Used:         rec.Amount,
			Limit:        f.Limit,
			Remaining:    remaining,
			OverageUnits: units,
			RatePerUnit:  rate,
			OverageCost:  decimal.NewFromInt(units).Mul(rate),
		})
	}
	return lines, nil
}

// Adjustments lists late usage for a subscription. An empty status lists
// every adjustment.
func (m *Meter) Adjustments(ctx context.Context, subID id.SubscriptionID, status AdjustmentStatus) ([]*Adjustment, error) {
	return m.store.ListAdjustments(ctx, subID, status)
}

// ResolveAdjustment closes a pending adjustment as applied or discarded.
func (m *Meter) ResolveAdjustment(ctx context.Context, adjID id.AdjustmentID, status AdjustmentStatus) (*Adjustment, error) {
	if status != AdjustmentApplied && status != AdjustmentDiscarded {
		return nil, fmt.Errorf("%w: cannot resolve adjustment as %q", ErrInvalidUsage, status)
	}
	adj, err := m.store.GetAdjustment(ctx, adjID)
	if err != nil {
		return nil, err
	}
	if adj.Status != AdjustmentPending {
		return nil, fmt.Errorf("%w: adjustment %s is already %s", ErrInvalidUsage, adjID, adj.Status)
	}

	now := m.now().UTC()
	adj.Status = status
	adj.ResolvedAt = &now
	adj.Touch(now)
	if err := m.store.UpdateAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("meter: update adjustment: %w", err)
	}
	return adj, nil
}

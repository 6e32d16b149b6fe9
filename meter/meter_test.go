package meter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store/memory"
)

var (
	periodStart = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 1, 0)
	rate        = decimal.RequireFromString("0.001")
)

func apiPlan() *plan.Plan {
	return &plan.Plan{
		ID:   id.NewPlanID(),
		Slug: "pro",
		Features: []plan.Feature{
			{Key: "api_calls", Type: plan.FeatureMetered, Limit: 10000},
			{Key: "exports", Type: plan.FeatureMetered, Limit: plan.Unlimited},
			{Key: "sso", Type: plan.FeatureBoolean},
		},
	}
}

func newMeter(now time.Time) (*meter.Meter, *memory.Store) {
	s := memory.New()
	return meter.New(s, meter.WithClock(func() time.Time { return now })), s
}

func usage(subID id.SubscriptionID, amount int64) meter.Usage {
	return meter.Usage{
		SubscriptionID: subID,
		UsageType:      "api_calls",
		Amount:         amount,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		RatePerUnit:    rate,
	}
}

func TestOverageScenario(t *testing.T) {
	m, _ := newMeter(periodStart.Add(48 * time.Hour))
	ctx := context.Background()
	subID := id.NewSubscriptionID()
	p := apiPlan()

	rec, err := m.RecordUsage(ctx, usage(subID, 8750))
	require.NoError(t, err)
	assert.True(t, meter.ComputeOverage(rec, p).IsZero())

	rec, err = m.RecordUsage(ctx, usage(subID, 2000))
	require.NoError(t, err)
	assert.Equal(t, int64(10750), rec.Amount)
	assert.True(t, decimal.RequireFromString("0.75").Equal(meter.ComputeOverage(rec, p)),
		"overage %s", meter.ComputeOverage(rec, p))
}

func TestOverageIsMonotonic(t *testing.T) {
	p := apiPlan()
	prev := decimal.Zero
	for amount := int64(0); amount <= 20000; amount += 500 {
		got := meter.ComputeOverage(&meter.UsageRecord{UsageType: "api_calls", Amount: amount, RatePerUnit: rate}, p)
		assert.True(t, got.GreaterThanOrEqual(prev), "amount %d", amount)
		if amount <= 10000 {
			assert.True(t, got.IsZero(), "amount %d", amount)
		}
		prev = got
	}
}

func TestOverageUnlimitedAndUnknown(t *testing.T) {
	p := apiPlan()
	assert.True(t, meter.ComputeOverage(&meter.UsageRecord{UsageType: "exports", Amount: 1e9, RatePerUnit: rate}, p).IsZero())
	assert.True(t, meter.ComputeOverage(&meter.UsageRecord{UsageType: "unknown", Amount: 1e9, RatePerUnit: rate}, p).IsZero())
	assert.True(t, meter.ComputeOverage(&meter.UsageRecord{UsageType: "sso", Amount: 1e9, RatePerUnit: rate}, p).IsZero())
}

func TestOverageFallsBackToFeatureRate(t *testing.T) {
	p := apiPlan()
	p.Features[0].OverageRate = decimal.RequireFromString("0.01")

	got := meter.ComputeOverage(&meter.UsageRecord{UsageType: "api_calls", Amount: 10100}, p)
	assert.True(t, decimal.NewFromInt(1).Equal(got), "overage %s", got)
}

func TestConcurrentRecordUsageAccumulates(t *testing.T) {
	m, s := newMeter(periodStart.Add(time.Hour))
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RecordUsage(ctx, usage(subID, 25))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.GetUsage(ctx, meter.Key{SubscriptionID: subID, UsageType: "api_calls", PeriodStart: periodStart})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.Amount)
}

func TestRecordUsageValidation(t *testing.T) {
	m, _ := newMeter(periodStart.Add(time.Hour))
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	tests := []struct {
		name   string
		mutate func(*meter.Usage)
	}{
		{"zero amount", func(u *meter.Usage) { u.Amount = 0 }},
		{"negative amount", func(u *meter.Usage) { u.Amount = -5 }},
		{"inverted period", func(u *meter.Usage) { u.PeriodEnd = u.PeriodStart.Add(-time.Hour) }},
		{"future period", func(u *meter.Usage) {
			u.PeriodStart = periodEnd
			u.PeriodEnd = periodEnd.AddDate(0, 1, 0)
		}},
		{"missing type", func(u *meter.Usage) { u.UsageType = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := usage(subID, 10)
			tt.mutate(&u)
			_, err := m.RecordUsage(ctx, u)
			assert.ErrorIs(t, err, meter.ErrInvalidUsage)
		})
	}
}

func TestLateUsageQueuedAsAdjustment(t *testing.T) {
	m, s := newMeter(periodEnd)
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	_, err := m.RecordUsage(ctx, usage(subID, 300))
	require.ErrorIs(t, err, meter.ErrPeriodClosed)

	var closed *meter.PeriodClosedError
	require.True(t, errors.As(err, &closed))
	assert.Equal(t, int64(300), closed.Adjustment.Amount)

	_, err = s.GetUsage(ctx, meter.Key{SubscriptionID: subID, UsageType: "api_calls", PeriodStart: periodStart})
	assert.Error(t, err)

	pending, err := m.Adjustments(ctx, subID, meter.AdjustmentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := m.ResolveAdjustment(ctx, pending[0].ID, meter.AdjustmentApplied)
	require.NoError(t, err)
	assert.Equal(t, meter.AdjustmentApplied, resolved.Status)

	_, err = m.ResolveAdjustment(ctx, pending[0].ID, meter.AdjustmentDiscarded)
	assert.ErrorIs(t, err, meter.ErrInvalidUsage)
}

func TestSummary(t *testing.T) {
	m, _ := newMeter(periodStart.Add(time.Hour))
	ctx := context.Background()
	subID := id.NewSubscriptionID()
	p := apiPlan()

	_, err := m.RecordUsage(ctx, usage(subID, 10750))
	require.NoError(t, err)

	lines, err := m.Summary(ctx, subID, p, periodStart.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, lines, 2)

	api := lines[0]
	assert.Equal(t, "api_calls", api.UsageType)
	assert.Equal(t, int64(10750), api.Used)
	assert.Equal(t, int64(0), api.Remaining)
	assert.Equal(t, int64(750), api.OverageUnits)
	assert.True(t, decimal.RequireFromString("0.75").Equal(api.OverageCost))

	exports := lines[1]
	assert.Equal(t, int64(0), exports.Used)
	assert.Equal(t, plan.Unlimited, exports.Remaining)
}

func TestRecordUsageRejectsConflictingPeriods(t *testing.T) {
	now := periodStart.Add(5 * 24 * time.Hour)
	m, _ := newMeter(now)
	ctx := context.Background()
	subID := id.NewSubscriptionID()
	p := apiPlan()

	_, err := m.RecordUsage(ctx, usage(subID, 100))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*meter.Usage)
	}{
		{"overlapping period", func(u *meter.Usage) {
			u.PeriodStart = now
			u.PeriodEnd = now.AddDate(0, 0, 30)
		}},
		{"same start different end", func(u *meter.Usage) { u.PeriodEnd = periodEnd.AddDate(0, 0, 1) }},
		{"same period different rate", func(u *meter.Usage) { u.RatePerUnit = decimal.RequireFromString("0.002") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := usage(subID, 200)
			tt.mutate(&u)
			_, err := m.RecordUsage(ctx, u)
			assert.ErrorIs(t, err, meter.ErrPeriodMismatch)
		})
	}

	lines, err := m.Summary(ctx, subID, p, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), lines[0].Used)

	// A different usage type has its own periods.
	other := usage(subID, 5)
	other.UsageType = "exports"
	other.PeriodStart = now
	other.PeriodEnd = now.AddDate(0, 0, 30)
	_, err = m.RecordUsage(ctx, other)
	assert.NoError(t, err)
}

func TestAdjacentPeriodsDoNotOverlap(t *testing.T) {
	m, _ := newMeter(periodEnd.Add(time.Hour))
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	prev := usage(subID, 10)
	prev.PeriodStart = periodStart.AddDate(0, -1, 0)
	prev.PeriodEnd = periodStart
	next := usage(subID, 20)
	next.PeriodStart = periodEnd
	next.PeriodEnd = periodEnd.AddDate(0, 1, 0)

	// prev is closed and becomes an adjustment; next lands.
	_, err := m.RecordUsage(ctx, prev)
	require.ErrorIs(t, err, meter.ErrPeriodClosed)
	_, err = m.RecordUsage(ctx, next)
	require.NoError(t, err)

	cur := usage(subID, 30)
	cur.PeriodStart = periodEnd.Add(-time.Nanosecond)
	cur.PeriodEnd = periodEnd.Add(2 * time.Hour)
	_, err = m.RecordUsage(ctx, cur)
	assert.ErrorIs(t, err, meter.ErrPeriodMismatch)
}

func TestCheckPeriod(t *testing.T) {
	subID := id.NewSubscriptionID()
	base := &meter.UsageRecord{SubscriptionID: subID, UsageType: "api_calls", PeriodStart: periodStart, PeriodEnd: periodEnd, RatePerUnit: rate}

	same := *base
	assert.NoError(t, meter.CheckPeriod(base, &same))

	touching := *base
	touching.PeriodStart, touching.PeriodEnd = periodEnd, periodEnd.AddDate(0, 1, 0)
	assert.NoError(t, meter.CheckPeriod(base, &touching))

	otherSub := *base
	otherSub.SubscriptionID = id.NewSubscriptionID()
	otherSub.PeriodEnd = periodEnd.Add(time.Hour)
	assert.NoError(t, meter.CheckPeriod(base, &otherSub))

	inside := *base
	inside.PeriodStart = periodStart.Add(time.Hour)
	assert.ErrorIs(t, meter.CheckPeriod(base, &inside), meter.ErrPeriodMismatch)
}

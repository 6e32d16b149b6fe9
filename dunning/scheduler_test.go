package dunning_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/store/memory"
)

const day = 24 * time.Hour

var failedAt = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	outbox *notify.Outbox
	now    time.Time
	sched  *dunning.Scheduler
}

func newFixture(opts ...dunning.Option) *fixture {
	f := &fixture{store: memory.New(), outbox: &notify.Outbox{}, now: failedAt}
	base := []dunning.Option{
		dunning.WithNotifier(f.outbox),
		dunning.WithClock(func() time.Time { return f.now }),
	}
	f.sched = dunning.NewScheduler(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) fail(t *testing.T, subID id.SubscriptionID, reason string) (*dunning.Case, bool) {
	t.Helper()
	c, created, err := f.sched.OnPaymentFailed(context.Background(), dunning.Failure{
		SubscriptionID:    subID,
		UserID:            "u1",
		Reason:            reason,
		ProviderInvoiceID: "in_1",
		FailedAt:          failedAt,
	})
	require.NoError(t, err)
	return c, created
}

func TestOnPaymentFailedOpensCase(t *testing.T) {
	f := newFixture()
	subID := id.NewSubscriptionID()

	c, created := f.fail(t, subID, "insufficient_funds")
	assert.True(t, created)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, 4, c.MaxAttempts)
	assert.Equal(t, dunning.StatusActive, c.Status)
	assert.Equal(t, failedAt.Add(3*day), c.NextAttemptAt)
}

func TestOnPaymentFailedRefreshesOpenCase(t *testing.T) {
	f := newFixture()
	subID := id.NewSubscriptionID()

	first, _ := f.fail(t, subID, "insufficient_funds")
	second, created := f.fail(t, subID, "card_expired")

	assert.False(t, created)
	assert.Equal(t, first.ID.String(), second.ID.String())
	assert.Equal(t, "card_expired", second.FailureReason)
	assert.Equal(t, 1, second.AttemptCount)

	cases, err := f.store.ListDunningCases(context.Background(), dunning.ListOpts{SubscriptionID: subID})
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestDueRetriesNotifiesOncePerAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.fail(t, id.NewSubscriptionID(), "insufficient_funds")

	due, err := f.sched.DueRetries(ctx, failedAt.Add(2*day))
	require.NoError(t, err)
	assert.Empty(t, due)

	for range 3 {
		due, err = f.sched.DueRetries(ctx, failedAt.Add(3*day))
		require.NoError(t, err)
		assert.Len(t, due, 1)
	}
	assert.Equal(t, 1, f.outbox.Count(dunning.TemplateAttempt))
}

func TestRetryLifecycleToExhaustion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, _ := f.fail(t, id.NewSubscriptionID(), "insufficient_funds")

	wantNext := []time.Duration{7 * day, 14 * day, 21 * day}
	for i, offset := range wantNext {
		got, outcome, err := f.sched.OnRetryResult(ctx, c.ID, false)
		require.NoError(t, err)
		assert.Equal(t, dunning.OutcomeRescheduled, outcome)
		assert.Equal(t, i+2, got.AttemptCount)
		assert.Equal(t, failedAt.Add(offset), got.NextAttemptAt)
	}

	got, outcome, err := f.sched.OnRetryResult(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, dunning.OutcomeExhausted, outcome)
	assert.Equal(t, dunning.StatusExhausted, got.Status)
	assert.Equal(t, 4, got.AttemptCount)
	require.NotNil(t, got.ResolvedAt)

	// Reporting again is a no-op.
	again, outcome, err := f.sched.OnRetryResult(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, dunning.OutcomeExhausted, outcome)
	assert.Equal(t, got.Version, again.Version)
}

func TestRetrySuccessResolves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	subID := id.NewSubscriptionID()
	c, _ := f.fail(t, subID, "insufficient_funds")

	got, outcome, err := f.sched.OnRetryResult(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, dunning.OutcomeResolved, outcome)
	assert.Equal(t, dunning.StatusResolved, got.Status)

	open, err := f.store.FindOpenDunningCase(ctx, subID)
	require.NoError(t, err)
	assert.Nil(t, open)

	// A new failure opens a fresh case.
	next, created := f.fail(t, subID, "insufficient_funds")
	assert.True(t, created)
	assert.NotEqual(t, c.ID.String(), next.ID.String())
}

func TestResolveWithoutCase(t *testing.T) {
	f := newFixture()
	c, err := f.sched.Resolve(context.Background(), id.NewSubscriptionID(), "payment_succeeded")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, _ := f.fail(t, id.NewSubscriptionID(), "insufficient_funds")

	paused, err := f.sched.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusPaused, paused.Status)

	due, err := f.sched.DueRetries(ctx, failedAt.Add(30*day))
	require.NoError(t, err)
	assert.Empty(t, due)

	_, _, err = f.sched.OnRetryResult(ctx, c.ID, false)
	assert.ErrorIs(t, err, dunning.ErrCaseNotActive)

	resumed, err := f.sched.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusActive, resumed.Status)

	due, err = f.sched.DueRetries(ctx, failedAt.Add(30*day))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCustomSchedule(t *testing.T) {
	f := newFixture(dunning.WithSchedule(dunning.ScheduleFromDays([]int{1, 2})))
	c, _ := f.fail(t, id.NewSubscriptionID(), "insufficient_funds")

	assert.Equal(t, 2, c.MaxAttempts)
	assert.Equal(t, failedAt.Add(day), c.NextAttemptAt)
}

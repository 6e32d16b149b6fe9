package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newSub(user string, status subscription.Status) *subscription.Subscription {
	return &subscription.Subscription{
		Entity: types.NewEntityAt(t0),
		ID:     id.NewSubscriptionID(),
		UserID: user,
		PlanID: id.NewPlanID(),
		Cycle:  plan.CycleMonthly,
		Status: status,
	}
}

func TestOneLiveSubscriptionPerUser(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.CreateSubscription(ctx, newSub("u1", subscription.StatusPending)))
	err := s.CreateSubscription(ctx, newSub("u1", subscription.StatusActive))
	assert.ErrorIs(t, err, tally.ErrSubscriptionExists)

	require.NoError(t, s.CreateSubscription(ctx, newSub("u1", subscription.StatusCanceled)))
	require.NoError(t, s.CreateSubscription(ctx, newSub("u2", subscription.StatusActive)))
}

func TestUpdateSubscriptionVersionCheck(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	sub := newSub("u1", subscription.StatusPending)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	a, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	b, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	a.Status = subscription.StatusActive
	require.NoError(t, s.UpdateSubscription(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.Status = subscription.StatusCanceled
	err = s.UpdateSubscription(ctx, b)
	assert.ErrorIs(t, err, tally.ErrConflictingWrite)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func TestReturnedRowsAreCopies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	sub := newSub("u1", subscription.StatusActive)
	require.NoError(t, s.CreateSubscription(ctx, sub))
	sub.Status = subscription.StatusCanceled

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func TestTransactionSourceEventIsUnique(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	mk := func() *transaction.Transaction {
		return &transaction.Transaction{
			Entity:        types.NewEntityAt(t0),
			ID:            id.NewTransactionID(),
			UserID:        "u1",
			Amount:        types.USD(999),
			Status:        transaction.StatusSucceeded,
			SourceEventID: "evt_1",
		}
	}
	require.NoError(t, s.CreateTransaction(ctx, mk()))
	assert.ErrorIs(t, s.CreateTransaction(ctx, mk()), tally.ErrAlreadyExists)

	txns, err := s.ListTransactions(ctx, transaction.ListOpts{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestIncrementUsageIsAdditiveUnderConcurrency(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementUsage(ctx, &meter.UsageRecord{
				Entity:         types.NewEntityAt(t0),
				ID:             id.NewUsageID(),
				SubscriptionID: subID,
				UsageType:      "api_calls",
				PeriodStart:    t0,
				PeriodEnd:      t0.AddDate(0, 1, 0),
				Amount:         10,
				RatePerUnit:    decimal.RequireFromString("0.001"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.GetUsage(ctx, meter.Key{SubscriptionID: subID, UsageType: "api_calls", PeriodStart: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Amount)
}

func TestIncrementUsageRejectsOverlappingPeriod(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	mk := func(start time.Time, days int) *meter.UsageRecord {
		return &meter.UsageRecord{
			Entity:         types.NewEntityAt(t0),
			ID:             id.NewUsageID(),
			SubscriptionID: subID,
			UsageType:      "api_calls",
			PeriodStart:    start,
			PeriodEnd:      start.AddDate(0, 0, days),
			Amount:         100,
		}
	}

	_, err := s.IncrementUsage(ctx, mk(t0.AddDate(0, 0, -5), 30))
	require.NoError(t, err)

	_, err = s.IncrementUsage(ctx, mk(t0, 30))
	assert.ErrorIs(t, err, tally.ErrPeriodMismatch)

	_, err = s.IncrementUsage(ctx, mk(t0.AddDate(0, 0, -5), 31))
	assert.ErrorIs(t, err, tally.ErrPeriodMismatch)

	records, err := s.ListUsage(ctx, subID, meter.ListOpts{At: t0})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(100), records[0].Amount)
}

func TestOneOpenDunningCasePerSubscription(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	mk := func(status dunning.Status) *dunning.Case {
		return &dunning.Case{
			Entity:         types.NewEntityAt(t0),
			ID:             id.NewDunningID(),
			SubscriptionID: subID,
			AttemptCount:   1,
			MaxAttempts:    4,
			NextAttemptAt:  t0,
			Status:         status,
		}
	}

	first := mk(dunning.StatusActive)
	require.NoError(t, s.CreateDunningCase(ctx, first))
	assert.ErrorIs(t, s.CreateDunningCase(ctx, mk(dunning.StatusActive)), tally.ErrAlreadyExists)

	first.Status = dunning.StatusResolved
	require.NoError(t, s.UpdateDunningCase(ctx, first))
	require.NoError(t, s.CreateDunningCase(ctx, mk(dunning.StatusActive)))

	open, err := s.FindOpenDunningCase(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.NotEqual(t, first.ID.String(), open.ID.String())

	due, err := s.ListDueDunningCases(ctx, t0, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestProcessedEvents(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	ok, err := s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkEventProcessed(ctx, &webhook.ProcessedEvent{
		ID: id.NewEventID(), EventID: "evt_1", Outcome: webhook.OutcomeApplied, ProcessedAt: t0,
	}))
	ok, err = s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListPlansPaging(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i, slug := range []string{"free", "pro", "team"} {
		require.NoError(t, s.CreatePlan(ctx, &plan.Plan{
			Entity: types.NewEntityAt(t0.Add(time.Duration(i) * time.Minute)),
			ID:     id.NewPlanID(),
			Slug:   slug,
			Status: plan.StatusActive,
		}))
	}

	plans, err := s.ListPlans(ctx, plan.ListOpts{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "pro", plans[0].Slug)

	_, err = s.GetPlanBySlug(ctx, "missing")
	assert.True(t, tally.IsNotFound(err))
}

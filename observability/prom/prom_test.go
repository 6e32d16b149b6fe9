package prom_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/observability/prom"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

func TestFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := prom.New(reg)

	a := f.Counter("tally.plan.created")
	b := f.Counter("tally.plan.created")
	a.Inc()
	b.Add(2)

	assert.InDelta(t, 3, testutil.ToFloat64(a.(prometheus.Counter)), 0.0001)
	n, err := testutil.GatherAndCount(reg, "tally_plan_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSecondFactoryOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := prom.New(reg).Counter("tally.webhook.received")
	second := prom.New(reg).Counter("tally.webhook.received")

	first.Inc()
	second.Inc()
	assert.InDelta(t, 2, testutil.ToFloat64(first.(prometheus.Counter)), 0.0001)
}

func TestMetricsExtensionCounts(t *testing.T) {
	ctx := context.Background()
	f := prom.New(nil)
	m := observability.NewMetricsExtension(f)

	sub := &subscription.Subscription{Cycle: plan.CycleMonthly, Status: subscription.StatusPastDue}
	basic := &plan.Plan{MonthlyPrice: types.USD(999), YearlyPrice: types.USD(9990)}
	pro := &plan.Plan{MonthlyPrice: types.USD(2999), YearlyPrice: types.USD(29990)}

	require.NoError(t, m.OnSubscriptionChanged(ctx, sub, basic, pro))
	require.NoError(t, m.OnSubscriptionChanged(ctx, sub, pro, basic))
	require.NoError(t, m.OnSubscriptionStatusChanged(ctx, sub, subscription.StatusActive))
	require.NoError(t, m.OnSubscriptionCanceled(ctx, sub, subscription.SourceDunning))
	require.NoError(t, m.OnDunningExhausted(ctx, &dunning.Case{}))
	require.NoError(t, m.OnTransactionRecorded(ctx, &transaction.Transaction{
		Amount: types.USD(999), Status: transaction.StatusSucceeded,
	}))
	require.NoError(t, m.OnWebhookReceived(ctx, webhook.Ack{Duplicate: true}, 3*time.Millisecond))

	value := func(c observability.Counter) float64 { return testutil.ToFloat64(c.(prometheus.Counter)) }
	assert.InDelta(t, 1, value(m.SubscriptionUpgraded), 0.0001)
	assert.InDelta(t, 1, value(m.SubscriptionDowngraded), 0.0001)
	assert.InDelta(t, 1, value(m.SubscriptionPastDue), 0.0001)
	assert.InDelta(t, 1, value(m.SubscriptionDunningCancel), 0.0001)
	assert.InDelta(t, 1, value(m.DunningExhausted), 0.0001)
	assert.InDelta(t, 1, value(m.TransactionsSucceeded), 0.0001)
	assert.InDelta(t, 1, value(m.WebhookDuplicates), 0.0001)
}

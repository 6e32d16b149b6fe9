package audithook_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

type captured struct {
	events []*audithook.AuditEvent
}

func (c *captured) recorder() audithook.Recorder {
	return audithook.RecorderFunc(func(_ context.Context, ev *audithook.AuditEvent) error {
		c.events = append(c.events, ev)
		return nil
	})
}

func TestSubscriptionChangeDirection(t *testing.T) {
	ctx := context.Background()
	c := &captured{}
	ext := audithook.New(c.recorder())

	sub := &subscription.Subscription{ID: id.NewSubscriptionID(), Cycle: plan.CycleYearly}
	basic := &plan.Plan{ID: id.NewPlanID(), MonthlyPrice: types.USD(999), YearlyPrice: types.USD(9990)}
	pro := &plan.Plan{ID: id.NewPlanID(), MonthlyPrice: types.USD(2999), YearlyPrice: types.USD(29990)}

	require.NoError(t, ext.OnSubscriptionChanged(ctx, sub, basic, pro))
	require.NoError(t, ext.OnSubscriptionChanged(ctx, sub, pro, basic))

	require.Len(t, c.events, 2)
	assert.Equal(t, audithook.ActionSubscriptionUpgraded, c.events[0].Action)
	assert.Equal(t, audithook.ActionSubscriptionDowngraded, c.events[1].Action)
	assert.Equal(t, sub.ID.String(), c.events[0].ResourceID)
	assert.Equal(t, pro.ID.String(), c.events[0].Metadata["to_plan"])
}

func TestPlanArchivedAction(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	before := &plan.Plan{ID: id.NewPlanID(), Status: plan.StatusActive}
	after := *before
	after.Status = plan.StatusArchived

	require.NoError(t, ext.OnPlanUpdated(context.Background(), before, &after))
	require.Len(t, c.events, 1)
	assert.Equal(t, audithook.ActionPlanArchived, c.events[0].Action)
}

func TestVerificationFailureIsCritical(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	err := fmt.Errorf("ingest: %w", webhook.ErrVerificationFailed)
	require.NoError(t, ext.OnWebhookRejected(context.Background(), 512, err))
	require.NoError(t, ext.OnWebhookRejected(context.Background(), 12, webhook.ErrMalformedEvent))

	require.Len(t, c.events, 2)
	assert.Equal(t, audithook.SeverityCritical, c.events[0].Severity)
	assert.Equal(t, audithook.CategorySecurity, c.events[0].Category)
	assert.Equal(t, audithook.SeverityWarning, c.events[1].Severity)
	assert.Equal(t, 512, c.events[0].Metadata["payload_bytes"])
	assert.NotEmpty(t, c.events[0].Reason)
}

func TestDuplicateWebhookSkipped(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	require.NoError(t, ext.OnWebhookReceived(context.Background(), webhook.Ack{EventID: "evt_1", Duplicate: true}, time.Millisecond))
	assert.Empty(t, c.events)
}

func TestLateUsageIsAdjustment(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())
	subID := id.NewSubscriptionID()

	late := &meter.PeriodClosedError{Adjustment: &meter.Adjustment{UsageType: "api_calls"}}
	require.NoError(t, ext.OnUsageRejected(context.Background(), subID, "api_calls", late))
	require.NoError(t, ext.OnUsageRejected(context.Background(), subID, "api_calls", errors.New("boom")))

	require.Len(t, c.events, 2)
	assert.Equal(t, audithook.ActionUsageAdjustment, c.events[0].Action)
	assert.Equal(t, audithook.ActionUsageRejected, c.events[1].Action)
}

func TestEnabledAndDisabledActions(t *testing.T) {
	ctx := context.Background()
	dc := &dunning.Case{ID: id.NewDunningID(), SubscriptionID: id.NewSubscriptionID()}

	c := &captured{}
	only := audithook.New(c.recorder(), audithook.WithEnabledActions(audithook.ActionDunningExhausted))
	require.NoError(t, only.OnDunningStarted(ctx, dc))
	require.NoError(t, only.OnDunningExhausted(ctx, dc))
	require.Len(t, c.events, 1)
	assert.Equal(t, audithook.SeverityCritical, c.events[0].Severity)

	c2 := &captured{}
	without := audithook.New(c2.recorder(), audithook.WithDisabledActions(audithook.ActionDunningAttempt))
	require.NoError(t, without.OnDunningAttempt(ctx, dc))
	require.NoError(t, without.OnDunningResolved(ctx, dc))
	require.Len(t, c2.events, 1)
	assert.Equal(t, audithook.ActionDunningResolved, c2.events[0].Action)
}

func TestRecorderFailureDoesNotPropagate(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	sub := &subscription.Subscription{ID: id.NewSubscriptionID()}
	assert.NoError(t, ext.OnSubscriptionCreated(context.Background(), sub))
}

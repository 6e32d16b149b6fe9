package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func proPlan() *plan.Plan {
	return &plan.Plan{
		ID:           id.NewPlanID(),
		Name:         "Pro",
		Slug:         "pro",
		Status:       plan.StatusActive,
		MonthlyPrice: types.USD(999),
		YearlyPrice:  types.USD(9990),
	}
}

func teamPlan() *plan.Plan {
	return &plan.Plan{
		ID:           id.NewPlanID(),
		Name:         "Team",
		Slug:         "team",
		Status:       plan.StatusActive,
		MonthlyPrice: types.USD(2999),
		YearlyPrice:  types.USD(29990),
	}
}

func activeSub(p *plan.Plan) Subscription {
	return Subscription{
		ID:                     id.NewSubscriptionID(),
		UserID:                 "user_1",
		PlanID:                 p.ID,
		Cycle:                  plan.CycleMonthly,
		Status:                 StatusActive,
		CurrentPeriodStart:     t0,
		CurrentPeriodEnd:       t0.AddDate(0, 1, 0),
		ProviderSubscriptionID: "sub_ext_1",
		Version:                3,
	}
}

func kinds(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Kind()
	}
	return out
}

func TestCreate(t *testing.T) {
	p := proPlan()
	subID := id.NewSubscriptionID()

	res, err := Transition(Subscription{}, Create{ID: subID, UserID: "user_1", Plan: p, Cycle: plan.CycleMonthly}, t0)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusPending, res.Next.Status)
	assert.Equal(t, subID.String(), res.Next.ID.String())
	assert.Equal(t, t0, res.Next.CreatedAt)
	assert.Empty(t, res.Commands)

	_, err = Transition(res.Next, Create{ID: subID, UserID: "user_1", Plan: p, Cycle: plan.CycleMonthly}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Transition(Subscription{}, Create{ID: subID, UserID: "user_1", Plan: p, Cycle: "weekly"}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	p.Status = plan.StatusArchived
	_, err = Transition(Subscription{}, Create{ID: subID, UserID: "user_1", Plan: p, Cycle: plan.CycleMonthly}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvoicePaidActivatesPending(t *testing.T) {
	p := proPlan()
	sub := activeSub(p)
	sub.Status = StatusPending

	res, err := Transition(sub, InvoicePaid{
		EventID:     "evt_1",
		InvoiceID:   "in_1",
		AmountDue:   types.USD(999),
		AmountPaid:  types.USD(999),
		Reason:      "subscription_create",
		PeriodStart: t0,
		PeriodEnd:   t0.AddDate(0, 1, 0),
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, res.Next.Status)
	assert.Equal(t, []string{"record_transaction", "record_billing_history", "notify"}, kinds(res.Commands))

	txn := res.Commands[0].(RecordTransaction)
	assert.Equal(t, transaction.StatusSucceeded, txn.Status)
	assert.Equal(t, int64(999), txn.Amount.Amount)
	assert.Equal(t, "evt_1", txn.SourceEventID)

	bill := res.Commands[1].(RecordBillingHistory)
	assert.Equal(t, invoice.ReasonSubscriptionCreate, bill.Reason)
}

func TestInvoicePaidZeroKeepsTrial(t *testing.T) {
	sub := activeSub(proPlan())
	sub.Status = StatusTrialing

	res, err := Transition(sub, InvoicePaid{EventID: "evt_t", AmountDue: types.USD(0), AmountPaid: types.USD(0)}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, res.Next.Status)

	res, err = Transition(sub, InvoicePaid{EventID: "evt_t2", AmountDue: types.USD(999), AmountPaid: types.USD(999)}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Next.Status)
}

func TestInvoiceFailed(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		next   Status
		kinds  []string
	}{
		{"active", StatusActive, StatusPastDue, []string{"record_transaction", "record_billing_history", "start_dunning", "notify"}},
		{"trialing", StatusTrialing, StatusPastDue, []string{"record_transaction", "record_billing_history", "start_dunning", "notify"}},
		{"past_due refreshes dunning", StatusPastDue, StatusPastDue, []string{"record_transaction", "record_billing_history", "start_dunning"}},
		{"pending checkout failure", StatusPending, StatusPending, []string{"record_transaction", "record_billing_history"}},
		{"canceled", StatusCanceled, StatusCanceled, []string{"record_transaction", "record_billing_history"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := activeSub(proPlan())
			sub.Status = tt.status

			res, err := Transition(sub, InvoiceFailed{
				EventID:       "evt_f",
				InvoiceID:     "in_f",
				AmountDue:     types.USD(999),
				FailureReason: "insufficient_funds",
			}, t0)
			require.NoError(t, err)
			assert.Equal(t, tt.next, res.Next.Status)
			assert.Equal(t, tt.kinds, kinds(res.Commands))
			assert.Equal(t, transaction.StatusFailed, res.Commands[0].(RecordTransaction).Status)
		})
	}
}

func TestRecoveryResolvesDunning(t *testing.T) {
	for _, st := range []Status{StatusPastDue, StatusUnpaid} {
		t.Run(string(st), func(t *testing.T) {
			sub := activeSub(proPlan())
			sub.Status = st

			res, err := Transition(sub, InvoicePaid{EventID: "evt_p", AmountDue: types.USD(999), AmountPaid: types.USD(999)}, t0)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, res.Next.Status)
			assert.Contains(t, kinds(res.Commands), "resolve_dunning")

			res, err = Transition(sub, PaymentRecovered{}, t0)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, res.Next.Status)
			assert.Equal(t, []string{"resolve_dunning", "notify"}, kinds(res.Commands))
		})
	}

	res, err := Transition(activeSub(proPlan()), PaymentRecovered{}, t0)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Commands)
}

func TestCancel(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		sub := activeSub(proPlan())
		res, err := Transition(sub, Cancel{Reason: "too expensive"}, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, res.Next.Status)
		require.NotNil(t, res.Next.CanceledAt)
		assert.Equal(t, "too expensive", res.Next.CancelReason)
		assert.Equal(t, []string{"cancel_at_provider", "notify"}, kinds(res.Commands))
	})

	t.Run("idempotent on canceled", func(t *testing.T) {
		sub := activeSub(proPlan())
		sub.Status = StatusCanceled
		res, err := Transition(sub, Cancel{Reason: "again"}, t0)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Empty(t, res.Commands)
	})

	t.Run("at period end", func(t *testing.T) {
		sub := activeSub(proPlan())
		res, err := Transition(sub, Cancel{AtPeriodEnd: true}, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, StatusActive, res.Next.Status)
		require.NotNil(t, res.Next.CancelAt)
		assert.Equal(t, sub.CurrentPeriodEnd, *res.Next.CancelAt)
		assert.Equal(t, []string{"cancel_at_provider", "notify"}, kinds(res.Commands))
		assert.True(t, res.Commands[0].(CancelAtProvider).AtPeriodEnd)
	})

	t.Run("user cancel while past due resolves dunning", func(t *testing.T) {
		sub := activeSub(proPlan())
		sub.Status = StatusPastDue
		res, err := Transition(sub, Cancel{Source: SourceUser}, t0)
		require.NoError(t, err)
		assert.Equal(t, []string{"resolve_dunning", "cancel_at_provider", "notify"}, kinds(res.Commands))
	})

	t.Run("dunning exhaustion leaves case alone", func(t *testing.T) {
		sub := activeSub(proPlan())
		sub.Status = StatusPastDue
		res, err := Transition(sub, Cancel{Source: SourceDunning, Reason: "dunning exhausted"}, t0)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, res.Next.Status)
		assert.Equal(t, []string{"cancel_at_provider", "notify"}, kinds(res.Commands))
	})
}

func TestSubscriptionUpdated(t *testing.T) {
	tests := []struct {
		name     string
		from     Status
		provider string
		next     Status
		kinds    []string
	}{
		{"unknown status fails closed", StatusActive, "paused_by_gremlins", StatusPastDue, []string{"notify"}},
		{"unpaid from past_due", StatusPastDue, "unpaid", StatusUnpaid, []string{"notify"}},
		{"unpaid from active is held at past_due", StatusActive, "unpaid", StatusPastDue, []string{"notify"}},
		{"past_due from active starts dunning", StatusActive, "past_due", StatusPastDue, []string{"start_dunning"}},
		{"active from past_due resolves", StatusPastDue, "active", StatusActive, []string{"resolve_dunning", "notify"}},
		{"trialing to active", StatusTrialing, "active", StatusActive, nil},
		{"active never regresses to trialing", StatusActive, "trialing", StatusActive, nil},
		{"canceled at gateway", StatusActive, "canceled", StatusCanceled, []string{"notify"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := activeSub(proPlan())
			sub.Status = tt.from

			res, err := Transition(sub, SubscriptionUpdated{ProviderStatus: tt.provider}, t0)
			require.NoError(t, err)
			assert.Equal(t, tt.next, res.Next.Status)
			if tt.kinds == nil {
				assert.Empty(t, res.Commands)
			} else {
				assert.Equal(t, tt.kinds, kinds(res.Commands))
			}
		})
	}
}

func TestSubscriptionCreatedAttachesReferences(t *testing.T) {
	sub := activeSub(proPlan())
	sub.Status = StatusPending
	sub.ProviderSubscriptionID = ""

	trialEnd := t0.AddDate(0, 0, 14)
	res, err := Transition(sub, SubscriptionCreated{
		ProviderSubscriptionID: "sub_ext_9",
		ProviderCustomerID:     "cus_9",
		ProviderStatus:         "trialing",
		PeriodStart:            t0,
		PeriodEnd:              trialEnd,
		TrialStart:             &t0,
		TrialEnd:               &trialEnd,
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, res.Next.Status)
	assert.Equal(t, "sub_ext_9", res.Next.ProviderSubscriptionID)
	assert.Equal(t, "cus_9", res.Next.ProviderCustomerID)
	require.NotNil(t, res.Next.TrialEnd)
	assert.Equal(t, trialEnd, *res.Next.TrialEnd)
}

func TestSubscriptionDeleted(t *testing.T) {
	sub := activeSub(proPlan())
	sub.Status = StatusUnpaid

	res, err := Transition(sub, SubscriptionDeleted{}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Next.Status)
	assert.Equal(t, []string{"resolve_dunning", "notify"}, kinds(res.Commands))

	res, err = Transition(res.Next, SubscriptionDeleted{}, t0)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestChangePlan(t *testing.T) {
	pro, team := proPlan(), teamPlan()

	t.Run("prorated upgrade halfway", func(t *testing.T) {
		sub := activeSub(pro)
		sub.CurrentPeriodEnd = t0.AddDate(0, 0, 30)
		now := t0.AddDate(0, 0, 15)

		res, err := Transition(sub, ChangePlan{From: pro, To: team, Prorate: true}, now)
		require.NoError(t, err)
		assert.Equal(t, team.ID.String(), res.Next.PlanID.String())
		assert.Equal(t, []string{"record_billing_history", "record_transaction", "notify"}, kinds(res.Commands))

		bill := res.Commands[0].(RecordBillingHistory)
		assert.Equal(t, invoice.ReasonProration, bill.Reason)
		assert.Equal(t, int64(1000), bill.AmountDue.Amount) // (2999-999) * 0.5

		txn := res.Commands[1].(RecordTransaction)
		assert.Equal(t, transaction.StatusPending, txn.Status)
		assert.IsType(t, transaction.Proration{}, txn.Provenance)
	})

	t.Run("prorated downgrade records credit only", func(t *testing.T) {
		sub := activeSub(team)
		sub.CurrentPeriodEnd = t0.AddDate(0, 0, 30)
		res, err := Transition(sub, ChangePlan{From: team, To: pro, Prorate: true}, t0.AddDate(0, 0, 15))
		require.NoError(t, err)
		assert.Equal(t, []string{"record_billing_history", "notify"}, kinds(res.Commands))
		assert.Equal(t, int64(-1000), res.Commands[0].(RecordBillingHistory).AmountDue.Amount)
	})

	t.Run("half minor unit rounds half up", func(t *testing.T) {
		cheaper, dearer := proPlan(), proPlan()
		cheaper.MonthlyPrice = types.USD(998)
		dearer.MonthlyPrice = types.USD(1000)
		now := t0.AddDate(0, 0, 15)

		sub := activeSub(pro)
		sub.CurrentPeriodEnd = t0.AddDate(0, 0, 30)

		// -0.5 rounds to zero, so there is nothing to bill.
		res, err := Transition(sub, ChangePlan{From: pro, To: cheaper, Prorate: true}, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"notify"}, kinds(res.Commands))

		res, err = Transition(sub, ChangePlan{From: pro, To: dearer, Prorate: true}, now)
		require.NoError(t, err)
		require.Equal(t, []string{"record_billing_history", "record_transaction", "notify"}, kinds(res.Commands))
		assert.Equal(t, int64(1), res.Commands[0].(RecordBillingHistory).AmountDue.Amount)
	})

	t.Run("proration carries the tax jurisdiction", func(t *testing.T) {
		sub := activeSub(pro)
		sub.CurrentPeriodEnd = t0.AddDate(0, 0, 30)
		j := money.Jurisdiction{Country: "DE"}

		res, err := Transition(sub, ChangePlan{From: pro, To: team, Prorate: true, Jurisdiction: j}, t0.AddDate(0, 0, 15))
		require.NoError(t, err)
		assert.Equal(t, j, res.Commands[0].(RecordBillingHistory).Jurisdiction)
	})

	t.Run("same plan is a no-op", func(t *testing.T) {
		res, err := Transition(activeSub(pro), ChangePlan{From: pro, To: pro}, t0)
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("canceled", func(t *testing.T) {
		sub := activeSub(pro)
		sub.Status = StatusCanceled
		_, err := Transition(sub, ChangePlan{From: pro, To: team}, t0)
		assert.ErrorIs(t, err, ErrSubscriptionCanceled)
	})

	t.Run("pending", func(t *testing.T) {
		sub := activeSub(pro)
		sub.Status = StatusPending
		_, err := Transition(sub, ChangePlan{From: pro, To: team}, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("wrong source plan", func(t *testing.T) {
		_, err := Transition(activeSub(pro), ChangePlan{From: team, To: pro}, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	sub := activeSub(proPlan())
	sub.Metadata = map[string]string{"k": "v"}

	_, err := Transition(sub, Cancel{Reason: "bye"}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.CanceledAt)
}

func TestTransitionIsDeterministic(t *testing.T) {
	sub := activeSub(proPlan())
	in := InvoiceFailed{EventID: "evt_x", InvoiceID: "in_x", AmountDue: types.USD(999), FailureReason: "card_declined"}

	a, err := Transition(sub, in, t0)
	require.NoError(t, err)
	b, err := Transition(sub, in, t0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

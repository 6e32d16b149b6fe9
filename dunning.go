package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/subscription"
)

// ──────────────────────────────────────────────────
// Dunning
// ──────────────────────────────────────────────────

// DunningReport summarises one RunDunning pass.
type DunningReport struct {
	Due         int `json:"due"`
	Recovered   int `json:"recovered"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
	Skipped     int `json:"skipped"`
}

// RunDunning retries every case due at now. Each due attempt is announced
// to the user once, the invoice is retried at the gateway and the result
// is recorded. An exhausted case cancels its subscription.
//
// A retry that cannot be attempted, because no gateway is configured or
// the case has no invoice, counts as failed. A gateway outage skips the
// case until the next run.
func (e *Engine) RunDunning(ctx context.Context, now time.Time) (DunningReport, error) {
	var report DunningReport

	cases, err := e.dunning.DueRetries(ctx, now)
	if err != nil {
		return report, err
	}
	report.Due = len(cases)

	var errs MultiError
	for _, c := range cases {
		if ctx.Err() != nil {
			errs.Add(ctx.Err())
			break
		}
		e.plugins.EmitDunningAttempt(ctx, c)

		succeeded, err := e.collect(ctx, c)
		if err != nil {
			e.logger.Warn("dunning retry skipped",
				"case_id", c.ID.String(),
				"subscription_id", c.SubscriptionID.String(),
				"attempt", c.AttemptCount,
				"error", err,
			)
			report.Skipped++
			continue
		}

		_, outcome, err := e.recordRetry(ctx, c.ID, succeeded)
		if err != nil {
			errs.Add(fmt.Errorf("case %s: %w", c.ID, err))
			continue
		}
		switch outcome {
		case dunning.OutcomeResolved:
			report.Recovered++
		case dunning.OutcomeRescheduled:
			report.Rescheduled++
		case dunning.OutcomeExhausted:
			report.Exhausted++
		}
	}
	return report, errs.Err()
}

// collect retries the case's invoice at the gateway. It returns an error
// only when the attempt should be skipped.
func (e *Engine) collect(ctx context.Context, c *dunning.Case) (bool, error) {
	if e.provider == nil || c.ProviderInvoiceID == "" {
		return false, nil
	}
	err := e.provider.RetryInvoice(ctx, c.ProviderInvoiceID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gateway.ErrDeclined):
		return false, nil
	default:
		return false, err
	}
}

// OnRetryResult records the result of a retry made outside RunDunning, for
// instance by the gateway's own retry logic. It returns the updated case.
func (e *Engine) OnRetryResult(ctx context.Context, caseID id.DunningID, succeeded bool) (*dunning.Case, error) {
	c, _, err := e.recordRetry(ctx, caseID, succeeded)
	return c, err
}

// recordRetry records a retry result under the subscription lock and
// feeds the outcome back into the subscription. Reporting on a case that
// is already closed repeats the subscription transition, which is a no-op
// once applied, without announcing the outcome again.
func (e *Engine) recordRetry(ctx context.Context, caseID id.DunningID, succeeded bool) (*dunning.Case, dunning.Outcome, error) {
	c, err := e.store.GetDunningCase(ctx, caseID)
	if err != nil {
		return nil, "", err
	}

	var (
		out     *dunning.Case
		outcome dunning.Outcome
	)
	err = RetryOnConflict(ctx, func() error {
		release, err := e.locker.Acquire(ctx, subLockKey(c.SubscriptionID))
		if err != nil {
			return err
		}
		defer release()

		current, err := e.store.GetDunningCase(ctx, caseID)
		if err != nil {
			return err
		}
		wasOpen := current.Status.Open()

		out, outcome, err = e.dunning.OnRetryResult(ctx, caseID, succeeded)
		if err != nil {
			return err
		}
		if wasOpen {
			switch outcome {
			case dunning.OutcomeResolved:
				e.plugins.EmitDunningResolved(ctx, out)
			case dunning.OutcomeExhausted:
				e.logger.Warn("dunning exhausted",
					"case_id", out.ID.String(),
					"subscription_id", out.SubscriptionID.String(),
					"attempts", out.AttemptCount,
				)
				e.plugins.EmitDunningExhausted(ctx, out)
			}
		}

		var in subscription.Input
		switch outcome {
		case dunning.OutcomeResolved:
			in = subscription.PaymentRecovered{Reason: "retry_succeeded"}
		case dunning.OutcomeExhausted:
			in = subscription.Cancel{Reason: "dunning_exhausted", Source: subscription.SourceDunning}
		default:
			return nil
		}

		sub, err := e.store.GetSubscription(ctx, out.SubscriptionID)
		if err != nil {
			return err
		}
		_, err = e.transition(ctx, sub, in)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return out, outcome, nil
}

// DunningCases lists dunning cases.
func (e *Engine) DunningCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	return e.store.ListDunningCases(ctx, opts)
}

// PauseDunning stops an active case from coming due, for instance while
// support talks to the customer.
func (e *Engine) PauseDunning(ctx context.Context, caseID id.DunningID) (*dunning.Case, error) {
	return e.withCaseLock(ctx, caseID, e.dunning.Pause)
}

// ResumeDunning reactivates a paused case.
func (e *Engine) ResumeDunning(ctx context.Context, caseID id.DunningID) (*dunning.Case, error) {
	return e.withCaseLock(ctx, caseID, e.dunning.Resume)
}

func (e *Engine) withCaseLock(ctx context.Context, caseID id.DunningID, fn func(context.Context, id.DunningID) (*dunning.Case, error)) (*dunning.Case, error) {
	c, err := e.store.GetDunningCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	release, err := e.locker.Acquire(ctx, subLockKey(c.SubscriptionID))
	if err != nil {
		return nil, err
	}
	defer release()
	return fn(ctx, caseID)
}

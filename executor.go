package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

// ──────────────────────────────────────────────────
// Command executor
// ──────────────────────────────────────────────────

func subLockKey(subID id.SubscriptionID) string { return "sub:" + subID.String() }

func userLockKey(userID string) string { return "user:" + userID }

// apply loads a subscription under its lock and runs in against it.
func (e *Engine) apply(ctx context.Context, subID id.SubscriptionID, in subscription.Input) (*subscription.Subscription, error) {
	release, err := e.locker.Acquire(ctx, subLockKey(subID))
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, cur, in)
}

// transition computes the next state of cur, persists it with a version
// check and executes the resulting commands in order. The caller holds the
// subscription lock.
//
// Gateway cancellations requested by a user run before anything is
// persisted, so a gateway failure leaves the subscription unchanged.
func (e *Engine) transition(ctx context.Context, cur *subscription.Subscription, in subscription.Input) (*subscription.Subscription, error) {
	res, err := subscription.Transition(*cur, in, e.now())
	if err != nil {
		return nil, err
	}
	next := res.Next

	cmds := res.Commands
	if isUserIntent(in) {
		rest := make([]subscription.Command, 0, len(cmds))
		for _, cmd := range cmds {
			if c, ok := cmd.(subscription.CancelAtProvider); ok {
				if err := e.cancelAtProvider(ctx, cur, c); err != nil {
					return nil, err
				}
				continue
			}
			rest = append(rest, cmd)
		}
		cmds = rest
	}

	if res.Changed {
		if err := e.store.UpdateSubscription(ctx, &next); err != nil {
			return nil, fmt.Errorf("tally: persist subscription %s: %w", next.ID, err)
		}
		e.emitChanges(ctx, cur, &next, in)
	}

	if err := e.execute(ctx, &next, cmds); err != nil {
		return &next, err
	}
	return &next, nil
}

func isUserIntent(in subscription.Input) bool {
	c, ok := in.(subscription.Cancel)
	return ok && (c.Source == "" || c.Source == subscription.SourceUser)
}

// emitChanges reports what moved between before and after to plugins.
func (e *Engine) emitChanges(ctx context.Context, before, after *subscription.Subscription, in subscription.Input) {
	if before.PlanID.String() != after.PlanID.String() {
		oldPlan, errOld := e.store.GetPlan(ctx, before.PlanID)
		newPlan, errNew := e.store.GetPlan(ctx, after.PlanID)
		if errOld == nil && errNew == nil {
			e.plugins.EmitSubscriptionChanged(ctx, after, oldPlan, newPlan)
		}
	}

	if before.Status == after.Status {
		return
	}
	e.logger.Info("subscription status changed",
		"subscription_id", after.ID.String(),
		"user_id", after.UserID,
		"from", string(before.Status),
		"to", string(after.Status),
		"input", in.Kind(),
	)
	e.plugins.EmitSubscriptionStatusChanged(ctx, after, before.Status)
	if after.Status == subscription.StatusCanceled {
		e.plugins.EmitSubscriptionCanceled(ctx, after, cancelSource(in))
	}
}

func cancelSource(in subscription.Input) subscription.CancelSource {
	if c, ok := in.(subscription.Cancel); ok && c.Source != "" {
		return c.Source
	}
	if isUserIntent(in) {
		return subscription.SourceUser
	}
	return subscription.SourceGateway
}

// execute runs cmds in order. Ledger writes are deduplicated by source
// event id, so a redelivered event re-executing them is harmless. Every
// command runs even if an earlier one failed; the failures are returned
// together.
func (e *Engine) execute(ctx context.Context, sub *subscription.Subscription, cmds []subscription.Command) error {
	var errs MultiError
	for _, cmd := range cmds {
		var err error
		switch c := cmd.(type) {
		case subscription.RecordTransaction:
			err = e.recordTransaction(ctx, sub, c)
		case subscription.RecordBillingHistory:
			err = e.recordBilling(ctx, sub, c)
		case subscription.StartDunning:
			err = e.startDunning(ctx, sub, c)
		case subscription.ResolveDunning:
			err = e.resolveDunning(ctx, sub, c)
		case subscription.Notify:
			e.sendNotification(ctx, sub, c)
		case subscription.CancelAtProvider:
			err = e.cancelAtProvider(ctx, sub, c)
		default:
			err = fmt.Errorf("tally: unknown command %s", cmd.Kind())
		}
		if err != nil {
			e.logger.Error("command failed",
				"subscription_id", sub.ID.String(),
				"command", cmd.Kind(),
				"error", err,
			)
			errs.Add(fmt.Errorf("%s: %w", cmd.Kind(), err))
		}
	}
	return errs.Err()
}

func (e *Engine) recordTransaction(ctx context.Context, sub *subscription.Subscription, c subscription.RecordTransaction) error {
	amount, err := e.normalizer.Canonical(c.Amount)
	if err != nil {
		return err
	}
	txn := &transaction.Transaction{
		Entity:         types.NewEntityAt(e.now()),
		ID:             id.NewTransactionID(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         amount,
		Status:         c.Status,
		SourceEventID:  c.SourceEventID,
		ProviderRef:    c.ProviderRef,
		Provenance:     c.Provenance,
	}
	return e.storeTransaction(ctx, txn)
}

// storeTransaction appends txn. A row already recorded for the same source
// event is not an error.
func (e *Engine) storeTransaction(ctx context.Context, txn *transaction.Transaction) error {
	if err := e.store.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			e.logger.Debug("transaction already recorded", "source_event_id", txn.SourceEventID)
			return nil
		}
		return err
	}
	e.plugins.EmitTransactionRecorded(ctx, txn)
	return nil
}

func (e *Engine) recordBilling(ctx context.Context, sub *subscription.Subscription, c subscription.RecordBillingHistory) error {
	due, err := e.normalizer.Canonical(c.AmountDue)
	if err != nil {
		return err
	}
	paid, err := e.normalizer.Canonical(c.AmountPaid)
	if err != nil {
		return err
	}
	rec := &invoice.Record{
		Entity:            types.NewEntityAt(e.now()),
		ID:                id.NewBillingID(),
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		ProviderInvoiceID: c.ProviderInvoiceID,
		AmountDue:         due,
		AmountPaid:        paid,
		Reason:            c.Reason,
		PeriodStart:       c.PeriodStart,
		PeriodEnd:         c.PeriodEnd,
		SourceEventID:     c.SourceEventID,
		Tax:               types.Zero(due.Currency),
	}
	if c.Jurisdiction.Country != "" {
		tax, err := e.normalizer.ComputeTax(due, c.Jurisdiction)
		if err != nil {
			return err
		}
		rec.Tax, rec.TaxType = tax.TaxAmount, string(tax.Type)
	}
	if err := e.store.CreateBillingRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			e.logger.Debug("billing record already recorded", "source_event_id", rec.SourceEventID)
			return nil
		}
		return err
	}
	e.plugins.EmitBillingRecorded(ctx, rec)
	return nil
}

// startDunning counts the retry schedule from when the gateway saw the
// failure, so a late delivery does not push retries back. A failure time in
// the future is clamped to now.
func (e *Engine) startDunning(ctx context.Context, sub *subscription.Subscription, c subscription.StartDunning) error {
	now := e.now()
	failedAt := c.FailedAt
	if failedAt.IsZero() || failedAt.After(now) {
		failedAt = now
	}
	dc, created, err := e.dunning.OnPaymentFailed(ctx, dunning.Failure{
		SubscriptionID:    sub.ID,
		UserID:            sub.UserID,
		Reason:            c.Reason,
		ProviderInvoiceID: c.ProviderInvoiceID,
		FailedAt:          failedAt,
	})
	if err != nil {
		return err
	}
	if created {
		e.plugins.EmitDunningStarted(ctx, dc)
	}
	return nil
}

func (e *Engine) resolveDunning(ctx context.Context, sub *subscription.Subscription, c subscription.ResolveDunning) error {
	dc, err := e.dunning.Resolve(ctx, sub.ID, c.Reason)
	if err != nil {
		return err
	}
	if dc != nil {
		e.plugins.EmitDunningResolved(ctx, dc)
	}
	return nil
}

// sendNotification never fails the command sequence; delivery problems are
// logged.
func (e *Engine) sendNotification(ctx context.Context, sub *subscription.Subscription, c subscription.Notify) {
	err := e.notifier.Notify(ctx, notify.Notification{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Template:       c.Template,
		Message:        c.Message,
		Data: map[string]any{
			"status":  string(sub.Status),
			"plan_id": sub.PlanID.String(),
		},
	})
	if err != nil {
		e.logger.Warn("notification failed",
			"subscription_id", sub.ID.String(),
			"template", c.Template,
			"error", err,
		)
	}
}

func (e *Engine) cancelAtProvider(ctx context.Context, sub *subscription.Subscription, c subscription.CancelAtProvider) error {
	if sub.ProviderSubscriptionID == "" {
		return nil
	}
	if e.provider == nil {
		return fmt.Errorf("%w: cannot cancel %s at the gateway", ErrNoProvider, sub.ProviderSubscriptionID)
	}
	return e.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID, c.AtPeriodEnd)
}

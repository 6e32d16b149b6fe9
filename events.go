package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

// ──────────────────────────────────────────────────
// Gateway events
// ──────────────────────────────────────────────────

// Ingest verifies, deduplicates and applies one webhook delivery. The
// returned error means the delivery should be retried by the gateway,
// except for verification and decoding failures which never succeed.
func (e *Engine) Ingest(ctx context.Context, raw []byte, signature string) (webhook.Ack, error) {
	if e.webhooks == nil {
		return webhook.Ack{}, ErrNoVerifier
	}

	start := time.Now()
	ack, err := e.webhooks.Ingest(ctx, raw, signature)
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) || errors.Is(err, ErrMalformedEvent) {
			e.plugins.EmitWebhookRejected(ctx, len(raw), err)
			return webhook.Ack{}, err
		}
		e.logger.Error("webhook processing failed", "error", err)
		return webhook.Ack{}, err
	}

	e.plugins.EmitWebhookReceived(ctx, ack, time.Since(start))
	return ack, nil
}

// Dispatch applies a verified event. It implements webhook.Dispatcher and
// can be called directly by callers that verify events themselves; the
// caller is then responsible for deduplication.
func (e *Engine) Dispatch(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	switch ev.Type {
	case webhook.SubscriptionCreated, webhook.SubscriptionUpdated, webhook.SubscriptionDeleted:
		if ev.Subscription == nil {
			return "", fmt.Errorf("%w: %s %s has no subscription payload", ErrMalformedEvent, ev.Type, ev.ID)
		}
		return e.dispatchSubscription(ctx, ev)

	case webhook.InvoicePaymentSucceeded, webhook.InvoicePaymentFailed:
		if ev.Invoice == nil {
			return "", fmt.Errorf("%w: %s %s has no invoice payload", ErrMalformedEvent, ev.Type, ev.ID)
		}
		return e.dispatchInvoice(ctx, ev)

	case webhook.PaymentSucceeded:
		if ev.Payment == nil {
			return "", fmt.Errorf("%w: %s %s has no payment payload", ErrMalformedEvent, ev.Type, ev.ID)
		}
		return e.dispatchPayment(ctx, ev)
	}

	e.logger.Debug("ignoring event", "event_id", ev.ID, "event_type", string(ev.Type))
	return webhook.OutcomeIgnored, nil
}

func (e *Engine) dispatchSubscription(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	p := ev.Subscription
	subID, found, err := e.locate(ctx, p.SubscriptionID, p.Metadata)
	if err != nil {
		return "", err
	}
	if !found {
		return e.orphan(ctx, ev, p.SubscriptionID), nil
	}

	var in subscription.Input
	switch ev.Type {
	case webhook.SubscriptionCreated:
		in = subscription.SubscriptionCreated{
			ProviderSubscriptionID: p.SubscriptionID,
			ProviderCustomerID:     p.CustomerID,
			ProviderStatus:         p.Status,
			PeriodStart:            p.CurrentPeriodStart,
			PeriodEnd:              p.CurrentPeriodEnd,
			TrialStart:             p.TrialStart,
			TrialEnd:               p.TrialEnd,
		}
	case webhook.SubscriptionUpdated:
		planID, err := id.ParseOptional(p.PlanID, id.PrefixPlan)
		if err != nil {
			return "", fmt.Errorf("%w: plan id %q: %w", ErrMalformedEvent, p.PlanID, err)
		}
		in = subscription.SubscriptionUpdated{
			ProviderStatus: p.Status,
			PlanID:         planID,
			Cycle:          plan.Cycle(p.Cycle),
			PeriodStart:    p.CurrentPeriodStart,
			PeriodEnd:      p.CurrentPeriodEnd,
			CancelAt:       p.CancelAt,
		}
	default:
		in = subscription.SubscriptionDeleted{}
	}

	return e.applyFact(ctx, subID, in)
}

func (e *Engine) dispatchInvoice(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	p := ev.Invoice
	subID, found, err := e.locate(ctx, p.SubscriptionID, p.Metadata)
	if err != nil {
		return "", err
	}
	if !found {
		ref := p.SubscriptionID
		if ref == "" {
			ref = p.InvoiceID
		}
		return e.orphan(ctx, ev, ref), nil
	}

	due, err := e.normalizer.Canonical(types.New(p.AmountDue, p.Currency))
	if err != nil {
		return "", fmt.Errorf("tally: invoice %s: %w", p.InvoiceID, err)
	}

	var in subscription.Input
	if ev.Type == webhook.InvoicePaymentSucceeded {
		in = subscription.InvoicePaid{
			EventID:     ev.ID,
			InvoiceID:   p.InvoiceID,
			AmountDue:   due,
			AmountPaid:  types.New(p.AmountPaid, due.Currency),
			Reason:      p.BillingReason,
			PeriodStart: p.PeriodStart,
			PeriodEnd:   p.PeriodEnd,
		}
	} else {
		in = subscription.InvoiceFailed{
			EventID:       ev.ID,
			InvoiceID:     p.InvoiceID,
			AmountDue:     due,
			FailureReason: p.FailureReason,
			PeriodStart:   p.PeriodStart,
			PeriodEnd:     p.PeriodEnd,
			FailedAt:      ev.CreatedAt,
		}
	}

	return e.applyFact(ctx, subID, in)
}

// dispatchPayment records a one-time purchase. It never touches a
// subscription.
func (e *Engine) dispatchPayment(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	p := ev.Payment
	userID := p.UserID
	if userID == "" {
		userID = p.Metadata[webhook.MetaUserID]
	}
	if userID == "" {
		return e.orphan(ctx, ev, p.PaymentID), nil
	}

	amount, err := e.normalizer.Canonical(types.New(p.Amount, p.Currency))
	if err != nil {
		return "", fmt.Errorf("tally: payment %s: %w", p.PaymentID, err)
	}

	txn := &transaction.Transaction{
		Entity:        types.NewEntityAt(e.now()),
		ID:            id.NewTransactionID(),
		UserID:        userID,
		PurchaseID:    p.PurchaseID,
		Amount:        amount,
		Status:        transaction.StatusSucceeded,
		SourceEventID: ev.ID,
		ProviderRef:   p.PaymentID,
		Provenance: transaction.OneTimePurchase{
			PurchaseID:  p.PurchaseID,
			Description: p.Description,
		},
	}
	if err := e.storeTransaction(ctx, txn); err != nil {
		return "", err
	}
	return webhook.OutcomeApplied, nil
}

// applyFact runs a gateway fact against a subscription, retrying when a
// concurrent writer got there first.
func (e *Engine) applyFact(ctx context.Context, subID id.SubscriptionID, in subscription.Input) (webhook.Outcome, error) {
	err := RetryOnConflict(ctx, func() error {
		_, err := e.apply(ctx, subID, in)
		return err
	})
	if err != nil {
		return "", err
	}
	return webhook.OutcomeApplied, nil
}

// locate finds the local subscription an event refers to, first by the
// gateway's subscription id and then by the id the engine put in the
// gateway object's metadata.
func (e *Engine) locate(ctx context.Context, providerSubID string, meta map[string]string) (id.SubscriptionID, bool, error) {
	if providerSubID != "" {
		sub, err := e.store.GetSubscriptionByProviderID(ctx, providerSubID)
		switch {
		case err == nil:
			return sub.ID, true, nil
		case !IsNotFound(err):
			return id.SubscriptionID{}, false, err
		}
	}

	ref := meta[webhook.MetaSubscriptionID]
	if ref == "" {
		return id.SubscriptionID{}, false, nil
	}
	subID, err := id.ParseSubscriptionID(ref)
	if err != nil {
		e.logger.Warn("event metadata carries a bad subscription id", "ref", ref, "error", err)
		return id.SubscriptionID{}, false, nil
	}
	if _, err := e.store.GetSubscription(ctx, subID); err != nil {
		if IsNotFound(err) {
			return id.SubscriptionID{}, false, nil
		}
		return id.SubscriptionID{}, false, err
	}
	return subID, true, nil
}

// orphan acknowledges an event that references nothing local. It is
// recorded as processed so the gateway stops redelivering it.
func (e *Engine) orphan(ctx context.Context, ev webhook.Event, ref string) webhook.Outcome {
	e.logger.Info("orphan event",
		"event_id", ev.ID,
		"event_type", string(ev.Type),
		"ref", ref,
		"error", ErrOrphanEvent,
	)
	e.plugins.EmitOrphanEvent(ctx, ev, ref)
	return webhook.OutcomeOrphan
}

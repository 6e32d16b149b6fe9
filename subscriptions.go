package tally

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/webhook"
)

// ──────────────────────────────────────────────────
// Subscription intents
// ──────────────────────────────────────────────────

// SubscribeRequest starts a checkout. Either PlanID or PlanSlug selects the
// plan. A zero Jurisdiction skips the tax quote.
type SubscribeRequest struct {
	UserID       string
	PlanID       id.PlanID
	PlanSlug     string
	Cycle        plan.Cycle
	Email        string
	Name         string
	SuccessURL   string
	CancelURL    string
	Metadata     map[string]string
	Jurisdiction money.Jurisdiction
}

// CheckoutSession is a pending subscription together with the hosted
// checkout the user completes it in.
type CheckoutSession struct {
	Subscription *subscription.Subscription `json:"subscription"`
	SessionID    string                     `json:"session_id"`
	URL          string                     `json:"url"`
	Tax          *money.TaxResult           `json:"tax,omitempty"`
}

// Subscribe opens a pending subscription and a gateway checkout for it.
// The subscription only activates once the gateway reports payment. A
// user with a pending subscription for the same plan and cycle gets a new
// checkout for it; any other live subscription is a conflict.
//
// Gateway failures are returned and leave the subscription pending.
func (e *Engine) Subscribe(ctx context.Context, req SubscribeRequest) (*CheckoutSession, error) {
	if err := validateSubscribe(req); err != nil {
		return nil, err
	}
	if e.provider == nil {
		return nil, ErrNoProvider
	}

	p, err := e.resolvePlan(ctx, req.PlanID, req.PlanSlug)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanArchived, p.Slug)
	}

	var tax *money.TaxResult
	if req.Jurisdiction.Country != "" {
		t, err := e.normalizer.ComputeTax(p.PriceFor(req.Cycle), req.Jurisdiction)
		if err != nil {
			return nil, err
		}
		tax = &t
	}

	release, err := e.locker.Acquire(ctx, userLockKey(req.UserID))
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := e.pendingSubscription(ctx, req, p)
	if err != nil {
		return nil, err
	}

	if sub.ProviderCustomerID == "" {
		if err := e.attachCustomer(ctx, sub, req); err != nil {
			return nil, err
		}
	}

	meta := make(map[string]string, len(req.Metadata)+4)
	maps.Copy(meta, req.Metadata)
	meta[webhook.MetaSubscriptionID] = sub.ID.String()
	meta[webhook.MetaUserID] = sub.UserID
	if tax != nil {
		meta[webhook.MetaTaxAmount] = strconv.FormatInt(tax.TaxAmount.Amount, 10)
		meta[webhook.MetaTaxType] = string(tax.Type)
	}

	co, err := e.provider.CreateCheckout(ctx, gateway.CheckoutRequest{
		CustomerID:     sub.ProviderCustomerID,
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID,
		PlanID:         p.ID.String(),
		PriceRef:       p.PriceRef(sub.Cycle),
		TrialDays:      p.TrialDays,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		Metadata:       meta,
	})
	if err != nil {
		e.logger.Warn("checkout creation failed",
			"subscription_id", sub.ID.String(),
			"user_id", sub.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("tally: create checkout: %w", err)
	}

	e.logger.Info("checkout created",
		"subscription_id", sub.ID.String(),
		"user_id", sub.UserID,
		"plan", p.Slug,
		"cycle", string(sub.Cycle),
		"session_id", co.SessionID,
	)
	return &CheckoutSession{Subscription: sub, SessionID: co.SessionID, URL: co.URL, Tax: tax}, nil
}

func validateSubscribe(req SubscribeRequest) error {
	var errs MultiError
	if strings.TrimSpace(req.UserID) == "" {
		errs.Add(ValidationError{Field: "user_id", Message: "is required"})
	}
	if req.PlanID.IsNil() && strings.TrimSpace(req.PlanSlug) == "" {
		errs.Add(ValidationError{Field: "plan", Message: "plan id or slug is required"})
	}
	if !req.Cycle.Valid() {
		errs.Add(ValidationError{Field: "cycle", Message: fmt.Sprintf("unknown billing cycle %q", req.Cycle)})
	}
	return errs.Err()
}

func (e *Engine) resolvePlan(ctx context.Context, planID id.PlanID, slug string) (*plan.Plan, error) {
	if !planID.IsNil() {
		return e.store.GetPlan(ctx, planID)
	}
	return e.store.GetPlanBySlug(ctx, slug)
}

// pendingSubscription returns the subscription a checkout should complete.
// The caller holds the user lock.
func (e *Engine) pendingSubscription(ctx context.Context, req SubscribeRequest, p *plan.Plan) (*subscription.Subscription, error) {
	existing, err := e.store.GetCurrentSubscription(ctx, req.UserID)
	switch {
	case err == nil:
		if existing.Status == subscription.StatusPending &&
			existing.PlanID.String() == p.ID.String() && existing.Cycle == req.Cycle {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrSubscriptionExists, existing.ID, existing.Status)
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	}

	res, err := subscription.Transition(subscription.Subscription{}, subscription.Create{
		ID:                 id.NewSubscriptionID(),
		UserID:             req.UserID,
		Plan:               p,
		Cycle:              req.Cycle,
		ProviderCustomerID: e.knownCustomer(ctx, req.UserID),
	}, e.now())
	if err != nil {
		return nil, err
	}
	sub := res.Next
	if len(req.Metadata) > 0 {
		sub.Metadata = maps.Clone(req.Metadata)
	}
	if err := e.store.CreateSubscription(ctx, &sub); err != nil {
		return nil, err
	}

	e.plugins.EmitSubscriptionCreated(ctx, &sub)
	return &sub, nil
}

// knownCustomer returns the gateway customer of the user's most recent
// earlier subscription, if any.
func (e *Engine) knownCustomer(ctx context.Context, userID string) string {
	subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{UserID: userID})
	if err != nil {
		return ""
	}
	var (
		customer string
		latest   *subscription.Subscription
	)
	for _, s := range subs {
		if s.ProviderCustomerID == "" {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest, customer = s, s.ProviderCustomerID
		}
	}
	return customer
}

func (e *Engine) attachCustomer(ctx context.Context, sub *subscription.Subscription, req SubscribeRequest) error {
	customerID, err := e.provider.CreateCustomer(ctx, gateway.CustomerRequest{
		UserID: sub.UserID,
		Email:  req.Email,
		Name:   req.Name,
		Metadata: map[string]string{
			webhook.MetaSubscriptionID: sub.ID.String(),
			webhook.MetaUserID:         sub.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("tally: create customer: %w", err)
	}

	sub.ProviderCustomerID = customerID
	sub.Touch(e.now())
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("tally: store customer: %w", err)
	}
	return nil
}

// ChangePlanRequest moves a subscription to another plan. An empty Cycle
// keeps the current one. A proration line is taxed for Jurisdiction when
// one is given.
type ChangePlanRequest struct {
	PlanID       id.PlanID
	Cycle        plan.Cycle
	Prorate      bool
	Jurisdiction money.Jurisdiction
}

// ChangePlan switches an active or trialing subscription to another plan.
// With Prorate set, the unused part of the current period is credited or
// charged as a proration line.
func (e *Engine) ChangePlan(ctx context.Context, subID id.SubscriptionID, req ChangePlanRequest) (*subscription.Subscription, error) {
	to, err := e.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	var out *subscription.Subscription
	err = RetryOnConflict(ctx, func() error {
		release, err := e.locker.Acquire(ctx, subLockKey(subID))
		if err != nil {
			return err
		}
		defer release()

		cur, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		from, err := e.store.GetPlan(ctx, cur.PlanID)
		if err != nil {
			return err
		}
		out, err = e.transition(ctx, cur, subscription.ChangePlan{
			From:         from,
			To:           to,
			Cycle:        req.Cycle,
			Prorate:      req.Prorate,
			Jurisdiction: req.Jurisdiction,
		})
		return err
	})
	return out, err
}

// CancelRequest is a user-initiated cancellation.
type CancelRequest struct {
	Reason      string
	AtPeriodEnd bool
}

// Cancel cancels a subscription at the gateway and then locally. With
// AtPeriodEnd set, an active or trialing subscription keeps access until
// its period ends. A gateway failure leaves the subscription unchanged.
func (e *Engine) Cancel(ctx context.Context, subID id.SubscriptionID, req CancelRequest) (*subscription.Subscription, error) {
	var out *subscription.Subscription
	err := RetryOnConflict(ctx, func() error {
		var err error
		out, err = e.apply(ctx, subID, subscription.Cancel{
			Reason:      req.Reason,
			Source:      subscription.SourceUser,
			AtPeriodEnd: req.AtPeriodEnd,
		})
		return err
	})
	return out, err
}

// BillingPortal returns a gateway portal URL where the user manages
// payment methods.
func (e *Engine) BillingPortal(ctx context.Context, userID, returnURL string) (string, error) {
	if e.provider == nil {
		return "", ErrNoProvider
	}
	customer := e.knownCustomer(ctx, userID)
	if customer == "" {
		return "", fmt.Errorf("%w: user %s has no gateway customer", ErrInvalidInput, userID)
	}
	url, err := e.provider.CreatePortalSession(ctx, gateway.PortalRequest{
		CustomerID: customer,
		ReturnURL:  returnURL,
	})
	if err != nil {
		return "", fmt.Errorf("tally: create portal session: %w", err)
	}
	return url, nil
}

// ──────────────────────────────────────────────────
// Subscription reads
// ──────────────────────────────────────────────────

// SubscriptionView is a user's live subscription with its plan and open
// dunning case, if any.
type SubscriptionView struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Plan         *plan.Plan                 `json:"plan"`
	Dunning      *dunning.Case              `json:"dunning,omitempty"`
}

// CurrentSubscription returns the user's live subscription.
func (e *Engine) CurrentSubscription(ctx context.Context, userID string) (*SubscriptionView, error) {
	sub, err := e.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("tally: plan of subscription %s: %w", sub.ID, err)
	}
	view := &SubscriptionView{Subscription: sub, Plan: p}
	if sub.Status.InDistress() {
		dc, err := e.store.FindOpenDunningCase(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		view.Dunning = dc
	}
	return view, nil
}

// GetSubscription retrieves a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// ListSubscriptions lists subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, opts)
}

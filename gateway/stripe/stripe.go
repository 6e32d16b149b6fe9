// Package stripe implements gateway.Provider with stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/webhook"
)

var _ gateway.Provider = (*Provider)(nil)

// Provider talks to the Stripe API with its own key, leaving the
// package-level stripe.Key untouched.
type Provider struct {
	customers     customer.Client
	checkouts     checkoutsession.Client
	portals       portalsession.Client
	subscriptions subscription.Client
	invoices      invoice.Client
}

// New creates a Provider for apiKey. A nil backend uses the default API
// backend.
func New(apiKey string, backend stripe.Backend) *Provider {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Provider{
		customers:     customer.Client{B: backend, Key: apiKey},
		checkouts:     checkoutsession.Client{B: backend, Key: apiKey},
		portals:       portalsession.Client{B: backend, Key: apiKey},
		subscriptions: subscription.Client{B: backend, Key: apiKey},
		invoices:      invoice.Client{B: backend, Key: apiKey},
	}
}

func (p *Provider) Name() string { return "stripe" }

func (p *Provider) CreateCustomer(ctx context.Context, req gateway.CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata(webhook.MetaUserID, req.UserID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	c, err := p.customers.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return c.ID, nil
}

func (p *Provider) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	if req.PriceRef == "" {
		return nil, fmt.Errorf("%w: stripe: plan %s has no price for this cycle", gateway.ErrUnavailable, req.PlanID)
	}

	meta := map[string]string{
		webhook.MetaSubscriptionID: req.SubscriptionID,
		webhook.MetaUserID:         req.UserID,
		"tally_plan_id":            req.PlanID,
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.SubscriptionID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.Context = ctx

	s, err := p.checkouts.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}
	return &gateway.Checkout{SessionID: s.ID, URL: s.URL}, nil
}

func (p *Provider) CreatePortalSession(ctx context.Context, req gateway.PortalRequest) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(req.CustomerID),
		ReturnURL: stripe.String(req.ReturnURL),
	}
	params.Context = ctx

	s, err := p.portals.New(params)
	if err != nil {
		return "", classify("create portal session", err)
	}
	return s.URL, nil
}

func (p *Provider) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if _, err := p.subscriptions.Update(providerSubscriptionID, params); err != nil {
			return classify("schedule cancellation", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.subscriptions.Cancel(providerSubscriptionID, params); err != nil {
		return classify("cancel subscription", err)
	}
	return nil
}

func (p *Provider) RetryInvoice(ctx context.Context, invoiceID string) error {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	if _, err := p.invoices.Pay(invoiceID, params); err != nil {
		return classify("pay invoice", err)
	}
	return nil
}

// classify maps card errors to gateway.ErrDeclined and everything else to
// gateway.ErrUnavailable.
func classify(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%w: stripe: %s: %s", gateway.ErrDeclined, op, serr.Code)
	}
	return fmt.Errorf("%w: stripe: %s: %w", gateway.ErrUnavailable, op, err)
}

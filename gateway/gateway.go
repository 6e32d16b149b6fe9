// Package gateway is the boundary to the external payment provider. The
// engine stores the references it returns and never assumes a call
// succeeded.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable wraps every provider failure that is not a decline.
	ErrUnavailable = errors.New("tally: payment gateway unavailable")
	// ErrDeclined means the provider processed the request and refused it.
	ErrDeclined = errors.New("tally: payment declined")
)

type CustomerRequest struct {
	UserID   string
	Email    string
	Name     string
	Metadata map[string]string
}

type CheckoutRequest struct {
	CustomerID     string
	SubscriptionID string
	UserID         string
	PlanID         string
	// PriceRef is the provider's price identifier for the plan and cycle.
	PriceRef   string
	TrialDays  int
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type PortalRequest struct {
	CustomerID string
	ReturnURL  string
}

// Provider creates customers, checkout and portal sessions, and acts on
// subscriptions and invoices at the payment gateway.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, req CustomerRequest) (customerID string, err error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	CreatePortalSession(ctx context.Context, req PortalRequest) (url string, err error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error
	// RetryInvoice attempts to collect an open invoice. A refused charge
	// returns ErrDeclined.
	RetryInvoice(ctx context.Context, invoiceID string) error
}

package subscription

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/types"
)

// Input is anything that can drive a transition: a user intent or a fact
// reported by the payment gateway.
type Input interface {
	Kind() string
}

// CancelSource records who asked for a cancellation.
type CancelSource string

const (
	SourceUser    CancelSource = "user"
	SourceDunning CancelSource = "dunning"
	SourceGateway CancelSource = "gateway"
)

// ──────────────────────────────────────────────────
// Intents
// ──────────────────────────────────────────────────

// Create opens a pending subscription for a checkout.
type Create struct {
	ID                 id.SubscriptionID
	UserID             string
	Plan               *plan.Plan
	Cycle              plan.Cycle
	ProviderCustomerID string
}

// ChangePlan moves an active or trialing subscription to another plan.
// ChangePlan moves to another plan. A proration line is taxed for
// Jurisdiction when one is given.
type ChangePlan struct {
	From         *plan.Plan
	To           *plan.Plan
	Cycle        plan.Cycle
	Prorate      bool
	Jurisdiction money.Jurisdiction
}

type Cancel struct {
	Reason      string
	Source      CancelSource
	AtPeriodEnd bool
}

func (Create) Kind() string     { return "create" }
func (ChangePlan) Kind() string { return "change_plan" }
func (Cancel) Kind() string     { return "cancel" }

// ──────────────────────────────────────────────────
// Facts
// ──────────────────────────────────────────────────

type SubscriptionCreated struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderStatus         string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
}

type SubscriptionUpdated struct {
	ProviderStatus string
	// PlanID is set when the plan was changed outside the engine, e.g. in
	// the gateway's billing portal.
	PlanID      id.PlanID
	Cycle       plan.Cycle
	PeriodStart time.Time
	PeriodEnd   time.Time
	CancelAt    *time.Time
}

type SubscriptionDeleted struct {
	Reason string
}

type InvoicePaid struct {
	EventID     string
	InvoiceID   string
	AmountDue   types.Money
	AmountPaid  types.Money
	Reason      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type InvoiceFailed struct {
	EventID       string
	InvoiceID     string
	AmountDue     types.Money
	FailureReason string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	// FailedAt is when the gateway saw the failure. Zero means unknown.
	FailedAt time.Time
}

// PaymentRecovered reports a successful dunning retry.
type PaymentRecovered struct {
	Reason string
}

func (SubscriptionCreated) Kind() string { return "subscription.created" }
func (SubscriptionUpdated) Kind() string { return "subscription.updated" }
func (SubscriptionDeleted) Kind() string { return "subscription.deleted" }
func (InvoicePaid) Kind() string         { return "invoice.payment_succeeded" }
func (InvoiceFailed) Kind() string       { return "invoice.payment_failed" }
func (PaymentRecovered) Kind() string    { return "payment.recovered" }

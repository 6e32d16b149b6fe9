package subscription

import (
	"time"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

// Command is a declarative side effect produced by Transition. The engine
// executes commands in order after the new state has been persisted.
type Command interface {
	Kind() string
}

// RecordTransaction appends a payment transaction.
type RecordTransaction struct {
	SourceEventID string
	Amount        types.Money
	Status        transaction.Status
	ProviderRef   string
	Provenance    transaction.Provenance
}

// RecordBillingHistory appends a billing history row. A set Jurisdiction
// taxes AmountDue.
type RecordBillingHistory struct {
	Jurisdiction      money.Jurisdiction
	SourceEventID     string
	ProviderInvoiceID string
	AmountDue         types.Money
	AmountPaid        types.Money
	Reason            invoice.Reason
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// StartDunning opens a dunning case, or refreshes the reason on the one
// already active. The retry schedule counts from FailedAt, or from the
// time the command runs when it is zero.
type StartDunning struct {
	Reason            string
	ProviderInvoiceID string
	FailedAt          time.Time
}

type ResolveDunning struct {
	Reason string
}

// Notify asks for a user-facing notification.
type Notify struct {
	Template string
	Message  string
}

// CancelAtProvider cancels the subscription at the payment gateway.
type CancelAtProvider struct {
	AtPeriodEnd bool
}

func (RecordTransaction) Kind() string    { return "record_transaction" }
func (RecordBillingHistory) Kind() string { return "record_billing_history" }
func (StartDunning) Kind() string         { return "start_dunning" }
func (ResolveDunning) Kind() string       { return "resolve_dunning" }
func (Notify) Kind() string               { return "notify" }
func (CancelAtProvider) Kind() string     { return "cancel_at_provider" }

// Notification templates.
const (
	TemplatePaymentFailed     = "payment_failed"
	TemplatePaymentRecovered  = "payment_recovered"
	TemplatePlanChanged       = "plan_changed"
	TemplateCanceled          = "subscription_canceled"
	TemplateCancelScheduled   = "subscription_cancel_scheduled"
	TemplateManualReview      = "manual_review"
	TemplateSubscriptionReady = "subscription_active"
)

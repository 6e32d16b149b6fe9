package webhook

import (
	"encoding/json"
	"time"

	"github.com/xraph/tally/id"
)

// EventType is a normalised gateway event type.
type EventType string

const (
	SubscriptionCreated     EventType = "subscription.created"
	SubscriptionUpdated     EventType = "subscription.updated"
	SubscriptionDeleted     EventType = "subscription.deleted"
	InvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	InvoicePaymentFailed    EventType = "invoice.payment_failed"
	PaymentSucceeded        EventType = "payment.succeeded"
)

// aliases maps provider-specific names onto the normalised ones.
var aliases = map[string]EventType{
	"customer.subscription.created": SubscriptionCreated,
	"customer.subscription.updated": SubscriptionUpdated,
	"customer.subscription.deleted": SubscriptionDeleted,
	"invoice.paid":                  InvoicePaymentSucceeded,
	"payment_intent.succeeded":      PaymentSucceeded,
}

// NormalizeType resolves provider aliases. The bool is false for types the
// engine does not handle.
func NormalizeType(s string) (EventType, bool) {
	if t, ok := aliases[s]; ok {
		return t, true
	}
	switch t := EventType(s); t {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted,
		InvoicePaymentSucceeded, InvoicePaymentFailed, PaymentSucceeded:
		return t, true
	}
	return EventType(s), false
}

// Envelope is the signed wire format of an inbound event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Event is a verified, decoded envelope. Exactly one payload pointer is set
// for known types.
type Event struct {
	ID           string
	Type         EventType
	CreatedAt    time.Time
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
	Payment      *PaymentPayload
}

// MetaSubscriptionID and MetaUserID are the metadata keys the engine sets on
// gateway objects so that events can be joined back to local rows.
const (
	MetaSubscriptionID = "tally_subscription_id"
	MetaUserID         = "tally_user_id"
)

// MetaTaxAmount and MetaTaxType carry the tax quoted at checkout, in minor
// units of the plan currency.
const (
	MetaTaxAmount = "tally_tax_amount"
	MetaTaxType   = "tally_tax_type"
)

type SubscriptionPayload struct {
	SubscriptionID     string            `json:"subscription_id"`
	CustomerID         string            `json:"customer_id"`
	Status             string            `json:"status"`
	PlanID             string            `json:"plan_id,omitempty"`
	Cycle              string            `json:"cycle,omitempty"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	TrialStart         *time.Time        `json:"trial_start,omitempty"`
	TrialEnd           *time.Time        `json:"trial_end,omitempty"`
	CancelAt           *time.Time        `json:"cancel_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type InvoicePayload struct {
	InvoiceID      string            `json:"invoice_id"`
	SubscriptionID string            `json:"subscription_id"`
	CustomerID     string            `json:"customer_id"`
	AmountDue      int64             `json:"amount_due"`
	AmountPaid     int64             `json:"amount_paid"`
	Currency       string            `json:"currency"`
	BillingReason  string            `json:"billing_reason"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PaymentPayload is a one-time payment outside any subscription.
type PaymentPayload struct {
	PaymentID   string            `json:"payment_id"`
	CustomerID  string            `json:"customer_id"`
	UserID      string            `json:"user_id"`
	PurchaseID  string            `json:"purchase_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Outcome is what processing an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeOrphan    Outcome = "orphan"
)

// ProcessedEvent is the durable dedupe record for an event id.
type ProcessedEvent struct {
	ID          id.EventID `json:"id"`
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`
	Outcome     Outcome    `json:"outcome"`
	ProcessedAt time.Time  `json:"processed_at"`
}

// Ack acknowledges receipt of an event to the delivering gateway.
type Ack struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Ignored   bool      `json:"ignored,omitempty"`
}

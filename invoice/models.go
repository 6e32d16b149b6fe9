// Package invoice holds billing history: one append-only row per gateway
// invoice event or locally computed billing line such as a proration.
package invoice

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Reason string

const (
	ReasonSubscriptionCreate Reason = "subscription_create"
	ReasonSubscriptionCycle  Reason = "subscription_cycle"
	ReasonSubscriptionUpdate Reason = "subscription_update"
	ReasonProration          Reason = "proration"
	ReasonPaymentFailed      Reason = "payment_failed"
	ReasonManual             Reason = "manual"
)

// ParseReason maps a gateway billing reason onto a Reason. Anything it does
// not recognise is recorded as manual.
func ParseReason(s string) Reason {
	switch r := Reason(s); r {
	case ReasonSubscriptionCreate, ReasonSubscriptionCycle, ReasonSubscriptionUpdate,
		ReasonProration, ReasonPaymentFailed, ReasonManual:
		return r
	default:
		return ReasonManual
	}
}

// Record is a billing history row.
type Record struct {
	types.Entity
	ID                id.BillingID      `json:"id"`
	UserID            string            `json:"user_id"`
	SubscriptionID    id.SubscriptionID `json:"subscription_id"`
	ProviderInvoiceID string            `json:"provider_invoice_id,omitempty"`
	AmountDue         types.Money       `json:"amount_due"`
	AmountPaid        types.Money       `json:"amount_paid"`
	Reason            Reason            `json:"reason"`
	PeriodStart       time.Time         `json:"period_start"`
	PeriodEnd         time.Time         `json:"period_end"`
	SourceEventID     string            `json:"source_event_id"`
	// Tax is the tax on AmountDue for locally computed lines. Gateway
	// invoices carry their own tax and leave it zero.
	Tax     types.Money `json:"tax"`
	TaxType string      `json:"tax_type,omitempty"`
}

// Outstanding is what remains unpaid on the record.
func (r *Record) Outstanding() types.Money {
	if !r.AmountPaid.SameCurrency(r.AmountDue) {
		return r.AmountDue
	}
	return r.AmountDue.Subtract(r.AmountPaid)
}

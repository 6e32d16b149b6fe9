// Package transaction holds the append-only record of attempted money
// movements. Rows are deduplicated by SourceEventID and never mutated.
package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
	StatusCanceled  Status = "canceled"
)

type Transaction struct {
	types.Entity
	ID             id.TransactionID  `json:"id"`
	UserID         string            `json:"user_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	PurchaseID     string            `json:"purchase_id,omitempty"`
	Amount         types.Money       `json:"amount"`
	Status         Status            `json:"status"`
	SourceEventID  string            `json:"source_event_id"`
	ProviderRef    string            `json:"provider_ref,omitempty"`
	Provenance     Provenance        `json:"-"`
}

// IsOneTime reports whether the transaction paid for a one-time purchase.
func (t *Transaction) IsOneTime() bool {
	_, ok := t.Provenance.(OneTimePurchase)
	return ok
}

// MarshalJSON inlines the provenance as {"kind": ..., "data": ...}.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	prov, err := EncodeProvenance(t.Provenance)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Provenance json.RawMessage `json:"provenance,omitempty"`
	}{plain: plain(t), Provenance: prov})
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	var raw struct {
		plain
		Provenance json.RawMessage `json:"provenance,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Transaction(raw.plain)
	prov, err := DecodeProvenance(raw.Provenance)
	if err != nil {
		return err
	}
	t.Provenance = prov
	return nil
}

// ──────────────────────────────────────────────────
// Provenance
// ──────────────────────────────────────────────────

// Provenance describes why a transaction exists. Kinds this build does not
// know decode to Unknown and re-encode byte-for-byte.
type Provenance interface {
	Kind() string
}

const (
	KindSubscriptionInvoice = "subscription_invoice"
	KindOneTimePurchase     = "one_time_purchase"
	KindProration           = "proration"
)

// SubscriptionInvoice is a recurring charge from a gateway invoice.
type SubscriptionInvoice struct {
	InvoiceID     string `json:"invoice_id"`
	BillingReason string `json:"billing_reason,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (SubscriptionInvoice) Kind() string { return KindSubscriptionInvoice }

// OneTimePurchase is a charge outside the subscription cycle.
type OneTimePurchase struct {
	PurchaseID  string `json:"purchase_id"`
	Description string `json:"description,omitempty"`
}

func (OneTimePurchase) Kind() string { return KindOneTimePurchase }

// Proration is the adjustment line produced by a mid-period plan change.
type Proration struct {
	FromPlanID string `json:"from_plan_id"`
	ToPlanID   string `json:"to_plan_id"`
}

func (Proration) Kind() string { return KindProration }

// Unknown carries a provenance kind this build cannot interpret.
type Unknown struct {
	Type string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (u Unknown) Kind() string { return u.Type }

type provenanceEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeProvenance serialises p as a kind-tagged envelope. A nil p encodes
// to nil.
func EncodeProvenance(p Provenance) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	if u, ok := p.(Unknown); ok {
		return json.Marshal(provenanceEnvelope{Kind: u.Type, Data: u.Raw})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("transaction: encode provenance %s: %w", p.Kind(), err)
	}
	return json.Marshal(provenanceEnvelope{Kind: p.Kind(), Data: data})
}

// DecodeProvenance reverses EncodeProvenance.
func DecodeProvenance(data []byte) (Provenance, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env provenanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transaction: decode provenance: %w", err)
	}

	var (
		p   Provenance
		err error
	)
	switch env.Kind {
	case KindSubscriptionInvoice:
		var v SubscriptionInvoice
		err = unmarshalData(env.Data, &v)
		p = v
	case KindOneTimePurchase:
		var v OneTimePurchase
		err = unmarshalData(env.Data, &v)
		p = v
	case KindProration:
		var v Proration
		err = unmarshalData(env.Data, &v)
		p = v
	default:
		p = Unknown{Type: env.Kind, Raw: env.Data}
	}
	if err != nil {
		return nil, fmt.Errorf("transaction: decode provenance %s: %w", env.Kind, err)
	}
	return p, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

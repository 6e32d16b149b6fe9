package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

var ErrMalformedEvent = errors.New("tally: malformed webhook event")

// Decoder turns a verified raw body into an Event. The bool is false for
// event types the engine does not handle; such events carry no payload.
type Decoder interface {
	Decode(raw []byte) (Event, bool, error)
}

// ──────────────────────────────────────────────────
// Generic envelope
// ──────────────────────────────────────────────────

// JSONDecoder reads the generic Envelope format.
type JSONDecoder struct{}

func (JSONDecoder) Decode(raw []byte) (Event, bool, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, false, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	typ, known := NormalizeType(env.Type)
	ev := Event{ID: env.ID, Type: typ, CreatedAt: env.CreatedAt.UTC()}
	if !known {
		return ev, false, nil
	}

	var err error
	switch typ {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted:
		ev.Subscription = new(SubscriptionPayload)
		err = json.Unmarshal(env.Payload, ev.Subscription)
	case InvoicePaymentSucceeded, InvoicePaymentFailed:
		ev.Invoice = new(InvoicePayload)
		err = json.Unmarshal(env.Payload, ev.Invoice)
	case PaymentSucceeded:
		ev.Payment = new(PaymentPayload)
		err = json.Unmarshal(env.Payload, ev.Payment)
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: %s payload: %w", ErrMalformedEvent, typ, err)
	}
	return ev, true, nil
}

// ──────────────────────────────────────────────────
// Stripe
// ──────────────────────────────────────────────────

// StripeDecoder reads native Stripe events. Only the fields the engine uses
// are decoded, so both pre- and post-2025 API shapes are accepted.
type StripeDecoder struct{}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CancelAt           int64             `json:"cancel_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	AmountDue     int64  `json:"amount_due"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	BillingReason string `json:"billing_reason"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LastFinalizationError *struct {
		Code string `json:"code"`
	} `json:"last_finalization_error"`
	Metadata map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	Invoice        string            `json:"invoice"`
	Metadata       map[string]string `json:"metadata"`
}

func (StripeDecoder) Decode(raw []byte) (Event, bool, error) {
	var se stripe.Event
	if err := json.Unmarshal(raw, &se); err != nil {
		return Event{}, false, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if se.ID == "" || se.Type == "" {
		return Event{}, false, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	typ, known := NormalizeType(string(se.Type))
	ev := Event{ID: se.ID, Type: typ, CreatedAt: unixTime(se.Created)}
	if !known {
		return ev, false, nil
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return Event{}, false, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, typ)
	}

	switch typ {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted:
		var s stripeSubscription
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return Event{}, false, fmt.Errorf("%w: subscription: %w", ErrMalformedEvent, err)
		}
		ev.Subscription = s.payload()
	case InvoicePaymentSucceeded, InvoicePaymentFailed:
		var inv stripeInvoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return Event{}, false, fmt.Errorf("%w: invoice: %w", ErrMalformedEvent, err)
		}
		ev.Invoice = inv.payload()
	case PaymentSucceeded:
		var pi stripePaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return Event{}, false, fmt.Errorf("%w: payment intent: %w", ErrMalformedEvent, err)
		}
		// Intents created for invoices arrive again as invoice events.
		if pi.Invoice != "" {
			return ev, false, nil
		}
		ev.Payment = &PaymentPayload{
			PaymentID:   pi.ID,
			CustomerID:  pi.Customer,
			UserID:      pi.Metadata[MetaUserID],
			PurchaseID:  pi.Metadata["purchase_id"],
			Amount:      max(pi.AmountReceived, pi.Amount),
			Currency:    pi.Currency,
			Description: pi.Description,
			Metadata:    pi.Metadata,
		}
	}
	return ev, true, nil
}

func (s stripeSubscription) payload() *SubscriptionPayload {
	p := &SubscriptionPayload{
		SubscriptionID:     s.ID,
		CustomerID:         s.Customer,
		Status:             s.Status,
		PlanID:             s.Metadata["tally_plan_id"],
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		TrialStart:         unixPtr(s.TrialStart),
		TrialEnd:           unixPtr(s.TrialEnd),
		CancelAt:           unixPtr(s.CancelAt),
		Metadata:           s.Metadata,
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if p.CurrentPeriodStart.IsZero() {
			p.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			p.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
		if item.Price.Recurring != nil {
			switch item.Price.Recurring.Interval {
			case "month":
				p.Cycle = "monthly"
			case "year":
				p.Cycle = "yearly"
			}
		}
	}
	return p
}

func (inv stripeInvoice) payload() *InvoicePayload {
	p := &InvoicePayload{
		InvoiceID:      inv.ID,
		SubscriptionID: inv.Subscription,
		CustomerID:     inv.Customer,
		AmountDue:      inv.AmountDue,
		AmountPaid:     inv.AmountPaid,
		Currency:       inv.Currency,
		BillingReason:  inv.BillingReason,
		PeriodStart:    unixTime(inv.PeriodStart),
		PeriodEnd:      unixTime(inv.PeriodEnd),
		Metadata:       inv.Metadata,
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if p.SubscriptionID == "" {
			p.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
		}
		if p.Metadata == nil {
			p.Metadata = inv.Parent.SubscriptionDetails.Metadata
		}
	}
	if inv.LastFinalizationError != nil {
		p.FailureReason = inv.LastFinalizationError.Code
	}
	return p
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}

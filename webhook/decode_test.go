package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDecoder(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1",
		"type": "invoice.payment_failed",
		"created_at": "2026-03-01T00:00:00Z",
		"payload": {
			"invoice_id": "in_1",
			"subscription_id": "sub_ext_1",
			"amount_due": 999,
			"currency": "usd",
			"failure_reason": "insufficient_funds"
		}
	}`)

	ev, known, err := JSONDecoder{}.Decode(raw)
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, InvoicePaymentFailed, ev.Type)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, int64(999), ev.Invoice.AmountDue)
	assert.Equal(t, "insufficient_funds", ev.Invoice.FailureReason)
}

func TestJSONDecoderAliasesAndUnknown(t *testing.T) {
	ev, known, err := JSONDecoder{}.Decode([]byte(`{"id":"evt_2","type":"customer.subscription.updated","payload":{"status":"active"}}`))
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, SubscriptionUpdated, ev.Type)
	assert.Equal(t, "active", ev.Subscription.Status)

	ev, known, err = JSONDecoder{}.Decode([]byte(`{"id":"evt_3","type":"charge.dispute.created","payload":{}}`))
	require.NoError(t, err)
	assert.False(t, known)
	assert.Equal(t, "evt_3", ev.ID)
}

func TestJSONDecoderMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"invoice.paid"}`, `{"id":"evt_4","type":"invoice.paid","payload":[1]}`} {
		_, _, err := JSONDecoder{}.Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
	}
}

func TestStripeDecoderInvoice(t *testing.T) {
	raw := []byte(`{
		"id": "evt_s1",
		"object": "event",
		"type": "invoice.paid",
		"created": 1772323200,
		"data": {"object": {
			"id": "in_123",
			"object": "invoice",
			"customer": "cus_1",
			"amount_due": 999,
			"amount_paid": 999,
			"currency": "usd",
			"billing_reason": "subscription_cycle",
			"period_start": 1772323200,
			"period_end": 1775001600,
			"parent": {"subscription_details": {"subscription": "sub_ext_1", "metadata": {"tally_subscription_id": "sub_x"}}}
		}}
	}`)

	ev, known, err := StripeDecoder{}.Decode(raw)
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, InvoicePaymentSucceeded, ev.Type)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, "sub_ext_1", ev.Invoice.SubscriptionID)
	assert.Equal(t, "sub_x", ev.Invoice.Metadata[MetaSubscriptionID])
	assert.Equal(t, int64(1772323200), ev.CreatedAt.Unix())
}

func TestStripeDecoderSubscriptionItemsPeriod(t *testing.T) {
	raw := []byte(`{
		"id": "evt_s2",
		"type": "customer.subscription.created",
		"created": 1772323200,
		"data": {"object": {
			"id": "sub_ext_1",
			"customer": "cus_1",
			"status": "trialing",
			"trial_start": 1772323200,
			"trial_end": 1773532800,
			"items": {"data": [{"current_period_start": 1772323200, "current_period_end": 1773532800, "price": {"recurring": {"interval": "year"}}}]}
		}}
	}`)

	ev, known, err := StripeDecoder{}.Decode(raw)
	require.NoError(t, err)
	assert.True(t, known)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "yearly", ev.Subscription.Cycle)
	assert.Equal(t, int64(1773532800), ev.Subscription.CurrentPeriodEnd.Unix())
	require.NotNil(t, ev.Subscription.TrialEnd)
}

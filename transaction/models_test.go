package transaction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

func TestProvenanceKnownKinds(t *testing.T) {
	for _, p := range []Provenance{
		SubscriptionInvoice{InvoiceID: "in_1", BillingReason: "subscription_cycle"},
		OneTimePurchase{PurchaseID: "pur_1", Description: "credits"},
		Proration{FromPlanID: "plan_a", ToPlanID: "plan_b"},
	} {
		t.Run(p.Kind(), func(t *testing.T) {
			data, err := EncodeProvenance(p)
			require.NoError(t, err)

			back, err := DecodeProvenance(data)
			require.NoError(t, err)
			assert.Equal(t, p, back)
		})
	}
}

func TestProvenanceUnknownPassthrough(t *testing.T) {
	raw := []byte(`{"kind":"gift_card","data":{"code":"XMAS","value":500}}`)

	p, err := DecodeProvenance(raw)
	require.NoError(t, err)

	u, ok := p.(Unknown)
	require.True(t, ok, "expected Unknown, got %T", p)
	assert.Equal(t, "gift_card", u.Kind())

	again, err := EncodeProvenance(p)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
}

func TestProvenanceNil(t *testing.T) {
	data, err := EncodeProvenance(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	p, err := DecodeProvenance([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestTransactionJSON(t *testing.T) {
	txn := Transaction{
		ID:            id.NewTransactionID(),
		UserID:        "user_1",
		Amount:        types.USD(999),
		Status:        StatusSucceeded,
		SourceEventID: "evt_1",
		Provenance:    OneTimePurchase{PurchaseID: "pur_9"},
	}

	data, err := json.Marshal(txn)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"one_time_purchase"`)

	var back Transaction
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, txn.ID.String(), back.ID.String())
	assert.True(t, back.IsOneTime())
	assert.True(t, back.Amount.Equal(types.USD(999)))
}

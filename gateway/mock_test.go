package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockCreateCustomerIsStablePerUser(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	a, err := m.CreateCustomer(ctx, CustomerRequest{UserID: "u1"})
	require.NoError(t, err)
	b, err := m.CreateCustomer(ctx, CustomerRequest{UserID: "u1"})
	require.NoError(t, err)
	c, err := m.CreateCustomer(ctx, CustomerRequest{UserID: "u2"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "cus_mock_1", a)
}

func TestMockInjectedErrorsWrapUnavailable(t *testing.T) {
	m := NewMock()
	m.CheckoutErr = errors.New("boom")

	_, err := m.CreateCheckout(context.Background(), CheckoutRequest{CustomerID: "cus_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMockCancelRecordsMode(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	require.NoError(t, m.CancelSubscription(ctx, "sub_a", false))
	require.NoError(t, m.CancelSubscription(ctx, "sub_b", true))

	assert.Equal(t, []string{"sub_a", "sub_b@period_end"}, m.CanceledIDs())
}

func TestMockRetryInvoice(t *testing.T) {
	m := NewMock()
	m.Declines["in_bad"] = true
	ctx := context.Background()

	require.NoError(t, m.RetryInvoice(ctx, "in_ok"))

	err := m.RetryInvoice(ctx, "in_bad")
	assert.ErrorIs(t, err, ErrDeclined)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"in_ok", "in_bad"}, m.Retried)
}

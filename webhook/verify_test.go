package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","payload":{}}`)

func TestHMACVerifierBare(t *testing.T) {
	v := NewHMACVerifier("whsec_test")
	sig := v.Sign(payload)

	require.NoError(t, v.Verify(payload, sig))
	require.NoError(t, v.Verify(payload, "sha256="+sig))

	tests := []struct {
		name string
		body []byte
		sig  string
	}{
		{"empty signature", payload, ""},
		{"not hex", payload, "zzzz"},
		{"tampered body", []byte(`{"id":"evt_2"}`), sig},
		{"other secret", payload, NewHMACVerifier("other").Sign(payload)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(tt.body, tt.sig), ErrVerificationFailed)
		})
	}
}

func TestHMACVerifierTimestamped(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	v := NewHMACVerifier("whsec_test", WithTolerance(5*time.Minute), WithVerifierClock(func() time.Time { return now }))

	require.NoError(t, v.Verify(payload, v.SignAt(payload, now.Add(-time.Minute))))

	old := v.SignAt(payload, now.Add(-10*time.Minute))
	assert.ErrorIs(t, v.Verify(payload, old), ErrVerificationFailed)

	bad := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString([]byte("nope")))
	assert.ErrorIs(t, v.Verify(payload, bad), ErrVerificationFailed)

	assert.ErrorIs(t, v.Verify(payload, "t=abc,v1=00"), ErrVerificationFailed)
}

func TestHMACVerifierNoSecret(t *testing.T) {
	v := NewHMACVerifier("")
	assert.ErrorIs(t, v.Verify(payload, "00"), ErrVerificationFailed)
}

func stripeHeader(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifier(t *testing.T) {
	v := NewStripeVerifier("whsec_stripe", 0)
	body := []byte(`{"id":"evt_1","object":"event","api_version":"2025-03-31.basil","type":"invoice.paid"}`)

	require.NoError(t, v.Verify(body, stripeHeader("whsec_stripe", time.Now(), body)))
	assert.ErrorIs(t, v.Verify(body, stripeHeader("whsec_other", time.Now(), body)), ErrVerificationFailed)
	assert.ErrorIs(t, v.Verify(body, stripeHeader("whsec_stripe", time.Now().Add(-time.Hour), body)), ErrVerificationFailed)
}

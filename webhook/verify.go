package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

var ErrVerificationFailed = errors.New("tally: webhook verification failed")

// Verifier checks that a payload was signed with the shared secret.
// Failures wrap ErrVerificationFailed.
type Verifier interface {
	Name() string
	Verify(payload []byte, signature string) error
}

// ──────────────────────────────────────────────────
// HMAC-SHA256
// ──────────────────────────────────────────────────

// HMACVerifier accepts either a bare hex HMAC-SHA256 of the payload
// (optionally prefixed "sha256=") or a timestamped header of the form
// "t=<unix>,v1=<hex>" where the MAC covers "<unix>.<payload>".
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type HMACOption func(*HMACVerifier)

// WithTolerance rejects timestamped signatures older or newer than d.
// Zero disables the check.
func WithTolerance(d time.Duration) HMACOption {
	return func(v *HMACVerifier) { v.tolerance = d }
}

func WithVerifierClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) { v.now = now }
}

func NewHMACVerifier(secret string, opts ...HMACOption) *HMACVerifier {
	v := &HMACVerifier{
		secret:    []byte(secret),
		tolerance: 5 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *HMACVerifier) Name() string { return "hmac-sha256" }

func (v *HMACVerifier) Verify(payload []byte, signature string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrVerificationFailed)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrVerificationFailed)
	}
	if strings.HasPrefix(signature, "t=") {
		return v.verifyTimestamped(payload, signature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrVerificationFailed)
	}
	if !hmac.Equal(got, v.mac(payload)) {
		return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	return nil
}

func (v *HMACVerifier) verifyTimestamped(payload []byte, header string) error {
	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed timestamp", ErrVerificationFailed)
			}
			ts = n
		case "v1":
			if b, err := hex.DecodeString(val); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrVerificationFailed)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrVerificationFailed)
		}
	}

	expected := v.mac(signedPayload(ts, payload))
	for _, s := range sigs {
		if hmac.Equal(s, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
}

func (v *HMACVerifier) mac(data []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(data)
	return h.Sum(nil)
}

// Sign returns the bare hex signature of payload.
func (v *HMACVerifier) Sign(payload []byte) string {
	return hex.EncodeToString(v.mac(payload))
}

// SignAt returns a timestamped signature header for payload.
func (v *HMACVerifier) SignAt(payload []byte, t time.Time) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(v.mac(signedPayload(ts, payload))))
}

func signedPayload(ts int64, payload []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "."
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}

// ──────────────────────────────────────────────────
// Stripe
// ──────────────────────────────────────────────────

// StripeVerifier checks the Stripe-Signature header with stripe-go.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

func (v *StripeVerifier) Name() string { return "stripe" }

func (v *StripeVerifier) Verify(payload []byte, signature string) error {
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	return nil
}

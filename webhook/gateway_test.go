package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*ProcessedEvent
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]*ProcessedEvent)} }

func (s *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[eventID]
	return ok, nil
}

func (s *memStore) MarkEventProcessed(_ context.Context, e *ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[e.EventID]; ok {
		return errors.New("exists")
	}
	s.rows[e.EventID] = e
	return nil
}

func envelope(t *testing.T, eventID, typ string) []byte {
	t.Helper()
	raw, err := json.Marshal(Envelope{ID: eventID, Type: typ, Payload: json.RawMessage(`{"invoice_id":"in_1"}`)})
	require.NoError(t, err)
	return raw
}

func TestIngestDedupes(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	d := DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		calls.Add(1)
		return OutcomeApplied, nil
	})
	v := NewHMACVerifier("secret")
	g := NewGateway(store, d, v)

	raw := envelope(t, "evt_1", "invoice.payment_succeeded")
	sig := v.Sign(raw)

	ack, err := g.Ingest(context.Background(), raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, ack.Outcome)
	assert.False(t, ack.Duplicate)

	for range 3 {
		ack, err = g.Ingest(context.Background(), raw, sig)
		require.NoError(t, err)
		assert.True(t, ack.Duplicate)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestIngestConcurrentRedelivery(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	d := DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		calls.Add(1)
		return OutcomeApplied, nil
	})
	v := NewHMACVerifier("secret")
	g := NewGateway(store, d, v)

	raw := envelope(t, "evt_c", "invoice.payment_succeeded")
	sig := v.Sign(raw)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Ingest(context.Background(), raw, sig)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestIngestRejectsBadSignature(t *testing.T) {
	store := newMemStore()
	g := NewGateway(store, DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		t.Fatal("dispatch must not run")
		return "", nil
	}), NewHMACVerifier("secret"))

	raw := envelope(t, "evt_1", "invoice.payment_succeeded")
	_, err := g.Ingest(context.Background(), raw, NewHMACVerifier("wrong").Sign(raw))
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Empty(t, store.rows)
}

func TestIngestIgnoresUnknownTypes(t *testing.T) {
	store := newMemStore()
	v := NewHMACVerifier("secret")
	g := NewGateway(store, DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		t.Fatal("dispatch must not run")
		return "", nil
	}), v)

	raw := envelope(t, "evt_u", "charge.refunded")
	ack, err := g.Ingest(context.Background(), raw, v.Sign(raw))
	require.NoError(t, err)
	assert.True(t, ack.Ignored)
	assert.Equal(t, OutcomeIgnored, store.rows["evt_u"].Outcome)
}

func TestIngestDispatchErrorAllowsRedelivery(t *testing.T) {
	store := newMemStore()
	fail := true
	d := DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		if fail {
			return "", errors.New("store down")
		}
		return OutcomeApplied, nil
	})
	v := NewHMACVerifier("secret")
	g := NewGateway(store, d, v)

	raw := envelope(t, "evt_r", "invoice.payment_failed")
	_, err := g.Ingest(context.Background(), raw, v.Sign(raw))
	require.Error(t, err)
	assert.NotContains(t, store.rows, "evt_r")

	fail = false
	ack, err := g.Ingest(context.Background(), raw, v.Sign(raw))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, ack.Outcome)
}

func TestIngestOrphanIsAcked(t *testing.T) {
	store := newMemStore()
	v := NewHMACVerifier("secret")
	g := NewGateway(store, DispatcherFunc(func(context.Context, Event) (Outcome, error) {
		return OutcomeOrphan, nil
	}), v)

	raw := envelope(t, "evt_o", "invoice.payment_failed")
	ack, err := g.Ingest(context.Background(), raw, v.Sign(raw))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, ack.Outcome)

	ack, err = g.Ingest(context.Background(), raw, v.Sign(raw))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
}

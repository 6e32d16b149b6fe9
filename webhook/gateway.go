// Package webhook verifies, decodes and deduplicates inbound payment
// gateway events before handing them to a Dispatcher.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
)

// Dispatcher applies a decoded event. An error leaves the event
// unprocessed so the gateway's redelivery can retry it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) (Outcome, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ev Event) (Outcome, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) (Outcome, error) { return f(ctx, ev) }

// Store records processed event ids.
type Store interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, e *ProcessedEvent) error
}

// Gateway is the ingestion entry point.
type Gateway struct {
	store      Store
	dispatcher Dispatcher
	verifier   Verifier
	decoder    Decoder
	locker     lock.Locker
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Gateway)

func WithDecoder(d Decoder) Option {
	return func(g *Gateway) { g.decoder = d }
}

// WithLocker serialises concurrent deliveries of the same event id.
func WithLocker(l lock.Locker) Option {
	return func(g *Gateway) { g.locker = l }
}

// WithTimeout bounds the lock wait and dedupe check of a delivery.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(store Store, dispatcher Dispatcher, verifier Verifier, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		dispatcher: dispatcher,
		verifier:   verifier,
		decoder:    JSONDecoder{},
		locker:     lock.NewLocal(),
		timeout:    5 * time.Second,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest verifies raw against signature, skips ids already processed,
// acknowledges unknown types and dispatches the rest. The event is only
// recorded as processed once dispatch succeeds.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, signature string) (Ack, error) {
	if err := g.verifier.Verify(raw, signature); err != nil {
		g.logger.Warn("webhook verification failed",
			"verifier", g.verifier.Name(),
			"bytes", len(raw),
		)
		return Ack{}, err
	}

	ev, known, err := g.decoder.Decode(raw)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{EventID: ev.ID, Type: ev.Type}

	bctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	release, err := g.locker.Acquire(bctx, "evt:"+ev.ID)
	if err != nil {
		return Ack{}, fmt.Errorf("webhook: lock event %s: %w", ev.ID, err)
	}
	defer release()

	processed, err := g.store.IsEventProcessed(bctx, ev.ID)
	if err != nil {
		return Ack{}, fmt.Errorf("webhook: dedupe %s: %w", ev.ID, err)
	}
	if processed {
		g.logger.Debug("duplicate webhook event", "event_id", ev.ID, "event_type", string(ev.Type))
		ack.Outcome, ack.Duplicate = OutcomeDuplicate, true
		return ack, nil
	}

	outcome := OutcomeIgnored
	if known {
		outcome, err = g.dispatcher.Dispatch(ctx, ev)
		if err != nil {
			return Ack{}, fmt.Errorf("webhook: dispatch %s %s: %w", ev.Type, ev.ID, err)
		}
	} else {
		g.logger.Debug("ignoring webhook event", "event_id", ev.ID, "event_type", string(ev.Type))
	}

	if err := g.store.MarkEventProcessed(ctx, &ProcessedEvent{
		ID:          id.NewEventID(),
		EventID:     ev.ID,
		Type:        string(ev.Type),
		Outcome:     outcome,
		ProcessedAt: g.now().UTC(),
	}); err != nil {
		return Ack{}, fmt.Errorf("webhook: mark %s processed: %w", ev.ID, err)
	}

	ack.Outcome = outcome
	ack.Ignored = outcome == OutcomeIgnored
	return ack, nil
}

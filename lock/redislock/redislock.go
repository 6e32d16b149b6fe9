// Package redislock implements lock.Locker on Redis with SET NX PX and a
// token-checked release, so a holder whose lease expired cannot release a
// lock that has since been taken by someone else.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/lock"
)

var _ lock.Locker = (*Locker)(nil)

var errHeld = errors.New("held by another owner")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

type Option func(*Locker)

// WithTTL sets the lease length. A crashed holder loses the lock after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithWait bounds how long Acquire polls for a held lock.
func WithWait(d time.Duration) Option {
	return func(l *Locker) { l.wait = d }
}

func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "tally:lock:",
		ttl:    30 * time.Second,
		wait:   10 * time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements lock.Locker. It polls with exponential backoff until
// the key is free, the wait bound passes or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("redislock: token: %w", err)
	}
	k := l.prefix + key

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	_, err = backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errHeld
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(l.wait))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", lock.ErrNotAcquired, key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

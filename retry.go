package tally

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOnConflict runs fn until it succeeds, fails with an error other
// than ErrConflictingWrite, or the attempts run out. fn must redo the whole
// read-modify-write. By default it makes five attempts with exponential
// backoff starting at 10ms.
func RetryOnConflict(ctx context.Context, fn func() error, opts ...backoff.RetryOption) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	all := append([]backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(5),
	}, opts...)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, ErrConflictingWrite) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, all...)
	return err
}

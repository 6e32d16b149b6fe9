package transaction

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	// CreateTransaction fails with an already-exists error when a row with
	// the same SourceEventID is present.
	CreateTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, opts ListOpts) ([]*Transaction, error)
}

type ListOpts struct {
	UserID         string
	SubscriptionID id.SubscriptionID
	Status         Status
	// CreatedBefore, when set, restricts to rows created at or before it.
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

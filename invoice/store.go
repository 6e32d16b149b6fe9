package invoice

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	// CreateBillingRecord fails with an already-exists error when a row
	// with the same SourceEventID is present.
	CreateBillingRecord(ctx context.Context, r *Record) error
	ListBillingRecords(ctx context.Context, userID string, opts ListOpts) ([]*Record, error)
}

type ListOpts struct {
	SubscriptionID id.SubscriptionID
	Reason         Reason
	Start          time.Time
	End            time.Time
	Limit          int
	Offset         int
}

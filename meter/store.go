package meter

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	// IncrementUsage atomically adds rec.Amount to the record keyed by
	// rec.Key(), creating it on first use, and returns the stored row. It
	// fails with ErrPeriodMismatch when rec overlaps another period of the
	// same usage type, or names the same period with a different end or
	// rate.
	IncrementUsage(ctx context.Context, rec *UsageRecord) (*UsageRecord, error)
	GetUsage(ctx context.Context, key Key) (*UsageRecord, error)
	ListUsage(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*UsageRecord, error)

	CreateAdjustment(ctx context.Context, a *Adjustment) error
	GetAdjustment(ctx context.Context, adjID id.AdjustmentID) (*Adjustment, error)
	ListAdjustments(ctx context.Context, subID id.SubscriptionID, status AdjustmentStatus) ([]*Adjustment, error)
	UpdateAdjustment(ctx context.Context, a *Adjustment) error
}

type ListOpts struct {
	UsageType string
	// At, when set, selects records whose period contains it.
	At     time.Time
	Limit  int
	Offset int
}

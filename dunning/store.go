package dunning

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	// CreateDunningCase fails when the subscription already has an open
	// case.
	CreateDunningCase(ctx context.Context, c *Case) error
	GetDunningCase(ctx context.Context, caseID id.DunningID) (*Case, error)
	// FindOpenDunningCase returns the active or paused case for a
	// subscription, or nil when there is none.
	FindOpenDunningCase(ctx context.Context, subID id.SubscriptionID) (*Case, error)
	// ListDueDunningCases returns active cases with NextAttemptAt <= now,
	// oldest first.
	ListDueDunningCases(ctx context.Context, now time.Time, limit int) ([]*Case, error)
	ListDunningCases(ctx context.Context, opts ListOpts) ([]*Case, error)
	// UpdateDunningCase persists c only if the stored version equals
	// c.Version, then increments c.Version.
	UpdateDunningCase(ctx context.Context, c *Case) error
}

type ListOpts struct {
	SubscriptionID id.SubscriptionID
	Status         Status
	Limit          int
	Offset         int
}

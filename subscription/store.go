package subscription

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	// GetCurrentSubscription returns the user's non-terminal subscription.
	GetCurrentSubscription(ctx context.Context, userID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
	// UpdateSubscription persists s only if the stored version equals
	// s.Version, then increments s.Version.
	UpdateSubscription(ctx context.Context, s *Subscription) error
}

type ListOpts struct {
	UserID        string
	Status        Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

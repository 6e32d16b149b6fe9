package subscription

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool { return s == StatusCanceled }

// InDistress reports whether the subscription owes a failed payment.
func (s Status) InDistress() bool { return s == StatusPastDue || s == StatusUnpaid }

// NonTerminal lists the statuses that count towards the
// one-subscription-per-user rule.
var NonTerminal = []Status{StatusPending, StatusTrialing, StatusActive, StatusPastDue, StatusUnpaid}

type Subscription struct {
	types.Entity
	ID                     id.SubscriptionID `json:"id"`
	UserID                 string            `json:"user_id"`
	PlanID                 id.PlanID         `json:"plan_id"`
	Cycle                  plan.Cycle        `json:"cycle"`
	Status                 Status            `json:"status"`
	CurrentPeriodStart     time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	TrialStart             *time.Time        `json:"trial_start,omitempty"`
	TrialEnd               *time.Time        `json:"trial_end,omitempty"`
	CanceledAt             *time.Time        `json:"canceled_at,omitempty"`
	CancelAt               *time.Time        `json:"cancel_at,omitempty"`
	CancelReason           string            `json:"cancel_reason,omitempty"`
	ProviderCustomerID     string            `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
	// Version is bumped by the store on every successful update.
	Version  int64             `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InPeriod reports whether t falls in [CurrentPeriodStart, CurrentPeriodEnd).
func (s *Subscription) InPeriod(t time.Time) bool {
	if s.CurrentPeriodStart.IsZero() || s.CurrentPeriodEnd.IsZero() {
		return false
	}
	return !t.Before(s.CurrentPeriodStart) && t.Before(s.CurrentPeriodEnd)
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.CancelAt = cloneTime(s.CancelAt)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

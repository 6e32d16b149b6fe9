package dunning

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusExhausted Status = "exhausted"
	StatusResolved  Status = "resolved"
)

// Open reports whether a case in status s still blocks a new one.
func (s Status) Open() bool { return s == StatusActive || s == StatusPaused }

// Case tracks retries of one failed payment. A subscription has at most
// one open case.
type Case struct {
	types.Entity
	ID                id.DunningID      `json:"id"`
	SubscriptionID    id.SubscriptionID `json:"subscription_id"`
	UserID            string            `json:"user_id"`
	AttemptCount      int               `json:"attempt_count"`
	MaxAttempts       int               `json:"max_attempts"`
	FirstFailedAt     time.Time         `json:"first_failed_at"`
	NextAttemptAt     time.Time         `json:"next_attempt_at"`
	FailureReason     string            `json:"failure_reason"`
	ProviderInvoiceID string            `json:"provider_invoice_id,omitempty"`
	Status            Status            `json:"status"`
	// NotifiedAttempt is the highest attempt the user was told about.
	NotifiedAttempt  int        `json:"notified_attempt"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	Version          int64      `json:"version"`
}

// Exhausted reports whether the current attempt is the last one.
func (c *Case) Exhausted() bool { return c.AttemptCount >= c.MaxAttempts }

// Outcome is the result of recording a retry.
type Outcome string

const (
	OutcomeResolved    Outcome = "resolved"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeExhausted   Outcome = "exhausted"
)

// Schedule holds retry offsets measured from the first failure. Attempt n
// runs at FirstFailedAt + Schedule[n-1]; len(Schedule) is the attempt cap.
type Schedule []time.Duration

const day = 24 * time.Hour

// DefaultSchedule retries on days 3, 7, 14 and 21.
func DefaultSchedule() Schedule {
	return Schedule{3 * day, 7 * day, 14 * day, 21 * day}
}

// ScheduleFromDays builds a schedule from day offsets.
func ScheduleFromDays(days []int) Schedule {
	s := make(Schedule, len(days))
	for i, d := range days {
		s[i] = time.Duration(d) * day
	}
	return s
}

// Offset returns the delay of attempt n (1-based), clamped to the schedule.
func (s Schedule) Offset(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	attempt = min(max(attempt, 1), len(s))
	return s[attempt-1]
}

// Package dunning owns the retry cadence for failed recurring payments.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/types"
)

var ErrCaseNotActive = errors.New("tally: dunning case is not active")

// TemplateAttempt is the notification sent once per retry attempt.
const TemplateAttempt = "dunning_attempt"

// Failure describes a failed payment that opens or refreshes a case.
type Failure struct {
	SubscriptionID    id.SubscriptionID
	UserID            string
	Reason            string
	ProviderInvoiceID string
	FailedAt          time.Time
}

// Scheduler creates, advances and closes dunning cases.
type Scheduler struct {
	store    Store
	schedule Schedule
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Scheduler)

func WithSchedule(s Schedule) Option {
	return func(d *Scheduler) {
		if len(s) > 0 {
			d.schedule = s
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(d *Scheduler) { d.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(d *Scheduler) { d.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Scheduler) { d.logger = l }
}

func NewScheduler(store Store, opts ...Option) *Scheduler {
	d := &Scheduler{
		store:    store,
		schedule: DefaultSchedule(),
		notifier: notify.Nop,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule returns the retry offsets in use.
func (d *Scheduler) Schedule() Schedule { return d.schedule }

// OnPaymentFailed opens a case at attempt 1, or refreshes the failure
// reason of the case already open. The bool reports whether a case was
// created.
func (d *Scheduler) OnPaymentFailed(ctx context.Context, f Failure) (*Case, bool, error) {
	if existing, err := d.store.FindOpenDunningCase(ctx, f.SubscriptionID); err != nil {
		return nil, false, fmt.Errorf("dunning: find open case: %w", err)
	} else if existing != nil {
		c, err := d.refresh(ctx, existing, f)
		return c, false, err
	}

	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = d.now()
	}
	failedAt = failedAt.UTC()

	c := &Case{
		Entity:            types.NewEntityAt(d.now()),
		ID:                id.NewDunningID(),
		SubscriptionID:    f.SubscriptionID,
		UserID:            f.UserID,
		AttemptCount:      1,
		MaxAttempts:       len(d.schedule),
		FirstFailedAt:     failedAt,
		NextAttemptAt:     failedAt.Add(d.schedule.Offset(1)),
		FailureReason:     f.Reason,
		ProviderInvoiceID: f.ProviderInvoiceID,
		Status:            StatusActive,
	}
	if err := d.store.CreateDunningCase(ctx, c); err != nil {
		// Lost a race with a concurrent failure for the same subscription.
		if existing, findErr := d.store.FindOpenDunningCase(ctx, f.SubscriptionID); findErr == nil && existing != nil {
			c, err := d.refresh(ctx, existing, f)
			return c, false, err
		}
		return nil, false, fmt.Errorf("dunning: create case: %w", err)
	}

	d.logger.Info("dunning case opened",
		"case_id", c.ID.String(),
		"subscription_id", c.SubscriptionID.String(),
		"reason", c.FailureReason,
		"next_attempt_at", c.NextAttemptAt,
	)
	return c, true, nil
}

func (d *Scheduler) refresh(ctx context.Context, c *Case, f Failure) (*Case, error) {
	changed := false
	if f.Reason != "" && f.Reason != c.FailureReason {
		c.FailureReason = f.Reason
		changed = true
	}
	if f.ProviderInvoiceID != "" && f.ProviderInvoiceID != c.ProviderInvoiceID {
		c.ProviderInvoiceID = f.ProviderInvoiceID
		changed = true
	}
	if !changed {
		return c, nil
	}
	c.Touch(d.now())
	if err := d.store.UpdateDunningCase(ctx, c); err != nil {
		return nil, fmt.Errorf("dunning: refresh case: %w", err)
	}
	return c, nil
}

// DueRetries returns active cases whose next attempt is due at now. The
// attempt notification is persisted before it is sent, so re-running
// DueRetries for the same attempt never notifies twice.
func (d *Scheduler) DueRetries(ctx context.Context, now time.Time) ([]*Case, error) {
	cases, err := d.store.ListDueDunningCases(ctx, now.UTC(), 0)
	if err != nil {
		return nil, fmt.Errorf("dunning: list due cases: %w", err)
	}

	for _, c := range cases {
		if c.NotifiedAttempt >= c.AttemptCount {
			continue
		}
		attempt := c.AttemptCount
		c.NotifiedAttempt = attempt
		c.Touch(d.now())
		if err := d.store.UpdateDunningCase(ctx, c); err != nil {
			d.logger.Warn("dunning notification skipped",
				"case_id", c.ID.String(),
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		d.send(ctx, c)
	}
	return cases, nil
}

func (d *Scheduler) send(ctx context.Context, c *Case) {
	err := d.notifier.Notify(ctx, notify.Notification{
		UserID:         c.UserID,
		SubscriptionID: c.SubscriptionID,
		Template:       TemplateAttempt,
		Message:        c.FailureReason,
		Data: map[string]any{
			"attempt":      c.AttemptCount,
			"max_attempts": c.MaxAttempts,
			"final":        c.Exhausted(),
		},
	})
	if err != nil {
		d.logger.Warn("dunning notification failed",
			"case_id", c.ID.String(),
			"attempt", c.AttemptCount,
			"error", err,
		)
	}
}

// OnRetryResult records the outcome of the current attempt. A failure on
// the last attempt exhausts the case; the caller is expected to cancel the
// subscription. Reporting a result for a closed case returns its existing
// outcome.
func (d *Scheduler) OnRetryResult(ctx context.Context, caseID id.DunningID, succeeded bool) (*Case, Outcome, error) {
	c, err := d.store.GetDunningCase(ctx, caseID)
	if err != nil {
		return nil, "", err
	}

	switch c.Status {
	case StatusResolved:
		return c, OutcomeResolved, nil
	case StatusExhausted:
		return c, OutcomeExhausted, nil
	case StatusPaused:
		return nil, "", fmt.Errorf("%w: case %s is paused", ErrCaseNotActive, caseID)
	}

	now := d.now().UTC()
	var outcome Outcome
	switch {
	case succeeded:
		c.Status = StatusResolved
		c.ResolvedAt = &now
		c.ResolutionReason = "retry_succeeded"
		outcome = OutcomeResolved
	case c.Exhausted():
		c.Status = StatusExhausted
		c.ResolvedAt = &now
		c.ResolutionReason = "retries_exhausted"
		outcome = OutcomeExhausted
	default:
		c.AttemptCount++
		c.NextAttemptAt = c.FirstFailedAt.Add(d.schedule.Offset(c.AttemptCount))
		outcome = OutcomeRescheduled
	}
	c.Touch(now)

	if err := d.store.UpdateDunningCase(ctx, c); err != nil {
		return nil, "", fmt.Errorf("dunning: record retry: %w", err)
	}
	d.logger.Info("dunning retry recorded",
		"case_id", c.ID.String(),
		"subscription_id", c.SubscriptionID.String(),
		"attempt", c.AttemptCount,
		"outcome", string(outcome),
	)
	return c, outcome, nil
}

// Resolve closes the open case of a subscription. It returns nil when the
// subscription has none.
func (d *Scheduler) Resolve(ctx context.Context, subID id.SubscriptionID, reason string) (*Case, error) {
	c, err := d.store.FindOpenDunningCase(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("dunning: find open case: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	now := d.now().UTC()
	c.Status = StatusResolved
	c.ResolvedAt = &now
	c.ResolutionReason = reason
	c.Touch(now)
	if err := d.store.UpdateDunningCase(ctx, c); err != nil {
		return nil, fmt.Errorf("dunning: resolve case: %w", err)
	}
	return c, nil
}

// Pause stops an active case from coming due.
func (d *Scheduler) Pause(ctx context.Context, caseID id.DunningID) (*Case, error) {
	return d.setStatus(ctx, caseID, StatusActive, StatusPaused)
}

// Resume reactivates a paused case. An overdue case becomes due at once.
func (d *Scheduler) Resume(ctx context.Context, caseID id.DunningID) (*Case, error) {
	return d.setStatus(ctx, caseID, StatusPaused, StatusActive)
}

func (d *Scheduler) setStatus(ctx context.Context, caseID id.DunningID, from, to Status) (*Case, error) {
	c, err := d.store.GetDunningCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == to {
		return c, nil
	}
	if c.Status != from {
		return nil, fmt.Errorf("%w: case %s is %s", ErrCaseNotActive, caseID, c.Status)
	}
	c.Status = to
	c.Touch(d.now())
	if err := d.store.UpdateDunningCase(ctx, c); err != nil {
		return nil, fmt.Errorf("dunning: set status: %w", err)
	}
	return c, nil
}

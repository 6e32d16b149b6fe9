// Package memory is an in-process Store used for tests and development.
// Rows are copied on the way in and out so callers never share state with
// the store.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	plans         map[string]*plan.Plan
	subscriptions map[string]*subscription.Subscription
	transactions  map[string]*transaction.Transaction
	billing       map[string]*invoice.Record
	usage         map[string]*meter.UsageRecord
	adjustments   map[string]*meter.Adjustment
	cases         map[string]*dunning.Case
	events        map[string]*webhook.ProcessedEvent

	// source event id -> row id
	txnBySource  map[string]string
	billBySource map[string]string
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		transactions:  make(map[string]*transaction.Transaction),
		billing:       make(map[string]*invoice.Record),
		usage:         make(map[string]*meter.UsageRecord),
		adjustments:   make(map[string]*meter.Adjustment),
		cases:         make(map[string]*dunning.Case),
		events:        make(map[string]*webhook.ProcessedEvent),
		txnBySource:   make(map[string]string),
		billBySource:  make(map[string]string),
	}
}

// ──────────────────────────────────────────────────
// Plan Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, existing := range s.plans {
		if existing.Slug == p.Slug {
			return fmt.Errorf("%w: plan slug %q", tally.ErrAlreadyExists, p.Slug)
		}
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, tally.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return clonePlan(p), nil
		}
	}
	return nil, tally.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.Status == "" || p.Status == opts.Status {
			result = append(result, clonePlan(p))
		}
	}
	slices.SortFunc(result, func(a, b *plan.Plan) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return tally.ErrPlanNotFound
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

// ──────────────────────────────────────────────────
// Subscription Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if !sub.Status.IsTerminal() {
		for _, existing := range s.subscriptions {
			if existing.UserID == sub.UserID && !existing.Status.IsTerminal() {
				return tally.ErrSubscriptionExists
			}
		}
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if providerSubscriptionID != "" {
		for _, sub := range s.subscriptions {
			if sub.ProviderSubscriptionID == providerSubscriptionID {
				return sub.Clone(), nil
			}
		}
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetCurrentSubscription(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.UserID == userID && !sub.Status.IsTerminal() {
			return sub.Clone(), nil
		}
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if opts.UserID != "" && sub.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		if !opts.CreatedAfter.IsZero() && sub.CreatedAt.Before(opts.CreatedAfter) {
			continue
		}
		if !opts.CreatedBefore.IsZero() && sub.CreatedAt.After(opts.CreatedBefore) {
			continue
		}
		result = append(result, sub.Clone())
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID.String()]
	if !ok {
		return tally.ErrSubscriptionNotFound
	}
	if existing.Version != sub.Version {
		return fmt.Errorf("%w: subscription %s at version %d, have %d",
			tally.ErrConflictingWrite, sub.ID, existing.Version, sub.Version)
	}
	sub.Version++
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

// ──────────────────────────────────────────────────
// Transaction Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateTransaction(_ context.Context, t *transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[t.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if t.SourceEventID != "" {
		if _, dup := s.txnBySource[t.SourceEventID]; dup {
			return fmt.Errorf("%w: transaction for %s", tally.ErrAlreadyExists, t.SourceEventID)
		}
		s.txnBySource[t.SourceEventID] = t.ID.String()
	}
	c := *t
	s.transactions[t.ID.String()] = &c
	return nil
}

func (s *Store) ListTransactions(_ context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*transaction.Transaction, 0)
	for _, t := range s.transactions {
		if opts.UserID != "" && t.UserID != opts.UserID {
			continue
		}
		if !opts.SubscriptionID.IsNil() && t.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if !opts.CreatedBefore.IsZero() && t.CreatedAt.After(opts.CreatedBefore) {
			continue
		}
		c := *t
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *transaction.Transaction) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID.String(), a.ID.String()))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Billing history Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateBillingRecord(_ context.Context, r *invoice.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.billing[r.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if r.SourceEventID != "" {
		if _, dup := s.billBySource[r.SourceEventID]; dup {
			return fmt.Errorf("%w: billing record for %s", tally.ErrAlreadyExists, r.SourceEventID)
		}
		s.billBySource[r.SourceEventID] = r.ID.String()
	}
	c := *r
	s.billing[r.ID.String()] = &c
	return nil
}

func (s *Store) ListBillingRecords(_ context.Context, userID string, opts invoice.ListOpts) ([]*invoice.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*invoice.Record, 0)
	for _, r := range s.billing {
		if r.UserID != userID {
			continue
		}
		if !opts.SubscriptionID.IsNil() && r.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Reason != "" && r.Reason != opts.Reason {
			continue
		}
		if !opts.Start.IsZero() && r.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !r.CreatedAt.Before(opts.End) {
			continue
		}
		c := *r
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *invoice.Record) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID.String(), a.ID.String()))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Usage Store implementation
// ──────────────────────────────────────────────────

func usageKey(k meter.Key) string {
	return k.SubscriptionID.String() + "|" + k.UsageType + "|" + k.PeriodStart.UTC().Format(time.RFC3339Nano)
}

func (s *Store) IncrementUsage(_ context.Context, rec *meter.UsageRecord) (*meter.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.usage {
		if err := meter.CheckPeriod(r, rec); err != nil {
			return nil, err
		}
	}

	key := usageKey(rec.Key())
	existing, ok := s.usage[key]
	if !ok {
		c := *rec
		s.usage[key] = &c
		out := c
		return &out, nil
	}
	existing.Amount += rec.Amount
	existing.Touch(rec.UpdatedAt)
	out := *existing
	return &out, nil
}

func (s *Store) GetUsage(_ context.Context, key meter.Key) (*meter.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.usage[usageKey(key)]; ok {
		c := *r
		return &c, nil
	}
	return nil, tally.ErrNotFound
}

func (s *Store) ListUsage(_ context.Context, subID id.SubscriptionID, opts meter.ListOpts) ([]*meter.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*meter.UsageRecord, 0)
	for _, r := range s.usage {
		if r.SubscriptionID.String() != subID.String() {
			continue
		}
		if opts.UsageType != "" && r.UsageType != opts.UsageType {
			continue
		}
		if !opts.At.IsZero() && (opts.At.Before(r.PeriodStart) || !opts.At.Before(r.PeriodEnd)) {
			continue
		}
		c := *r
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *meter.UsageRecord) int {
		return cmp.Or(b.PeriodStart.Compare(a.PeriodStart), cmp.Compare(a.UsageType, b.UsageType))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CreateAdjustment(_ context.Context, a *meter.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.adjustments[a.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	c := *a
	s.adjustments[a.ID.String()] = &c
	return nil
}

func (s *Store) GetAdjustment(_ context.Context, adjID id.AdjustmentID) (*meter.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.adjustments[adjID.String()]; ok {
		c := *a
		return &c, nil
	}
	return nil, tally.ErrNotFound
}

func (s *Store) ListAdjustments(_ context.Context, subID id.SubscriptionID, status meter.AdjustmentStatus) ([]*meter.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*meter.Adjustment, 0)
	for _, a := range s.adjustments {
		if a.SubscriptionID.String() != subID.String() {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		c := *a
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *meter.Adjustment) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return result, nil
}

func (s *Store) UpdateAdjustment(_ context.Context, a *meter.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.adjustments[a.ID.String()]; !exists {
		return tally.ErrNotFound
	}
	c := *a
	s.adjustments[a.ID.String()] = &c
	return nil
}

// ──────────────────────────────────────────────────
// Dunning Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateDunningCase(_ context.Context, c *dunning.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if c.Status.Open() {
		for _, existing := range s.cases {
			if existing.SubscriptionID.String() == c.SubscriptionID.String() && existing.Status.Open() {
				return fmt.Errorf("%w: open dunning case for %s", tally.ErrAlreadyExists, c.SubscriptionID)
			}
		}
	}
	cp := *c
	s.cases[c.ID.String()] = &cp
	return nil
}

func (s *Store) GetDunningCase(_ context.Context, caseID id.DunningID) (*dunning.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.cases[caseID.String()]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, tally.ErrDunningCaseNotFound
}

func (s *Store) FindOpenDunningCase(_ context.Context, subID id.SubscriptionID) (*dunning.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.cases {
		if c.SubscriptionID.String() == subID.String() && c.Status.Open() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListDueDunningCases(_ context.Context, now time.Time, limit int) ([]*dunning.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dunning.Case, 0)
	for _, c := range s.cases {
		if c.Status == dunning.StatusActive && !c.NextAttemptAt.After(now) {
			cp := *c
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *dunning.Case) int {
		return cmp.Or(a.NextAttemptAt.Compare(b.NextAttemptAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return page(result, 0, limit), nil
}

func (s *Store) ListDunningCases(_ context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dunning.Case, 0)
	for _, c := range s.cases {
		if !opts.SubscriptionID.IsNil() && c.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *dunning.Case) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateDunningCase(_ context.Context, c *dunning.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cases[c.ID.String()]
	if !ok {
		return tally.ErrDunningCaseNotFound
	}
	if existing.Version != c.Version {
		return fmt.Errorf("%w: dunning case %s at version %d, have %d",
			tally.ErrConflictingWrite, c.ID, existing.Version, c.Version)
	}
	c.Version++
	cp := *c
	s.cases[c.ID.String()] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Processed event Store implementation
// ──────────────────────────────────────────────────

func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, e *webhook.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.EventID]; ok {
		return fmt.Errorf("%w: event %s", tally.ErrAlreadyExists, e.EventID)
	}
	c := *e
	s.events[e.EventID] = &c
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }
func (s *Store) Ping(_ context.Context) error    { return nil }
func (s *Store) Close() error                    { return nil }

func page[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 {
		end = min(start+limit, len(items))
	}
	return items[start:end]
}

func clonePlan(p *plan.Plan) *plan.Plan {
	c := *p
	c.Features = slices.Clone(p.Features)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

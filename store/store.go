package store

import (
	"context"
	"time"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

// Store is the unified storage interface for all Tally entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Plan methods
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error)
	ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error)
	UpdatePlan(ctx context.Context, p *plan.Plan) error

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error)
	GetCurrentSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error

	// Transaction methods
	CreateTransaction(ctx context.Context, t *transaction.Transaction) error
	ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error)

	// Billing history methods
	CreateBillingRecord(ctx context.Context, r *invoice.Record) error
	ListBillingRecords(ctx context.Context, userID string, opts invoice.ListOpts) ([]*invoice.Record, error)

	// Usage methods
	IncrementUsage(ctx context.Context, rec *meter.UsageRecord) (*meter.UsageRecord, error)
	GetUsage(ctx context.Context, key meter.Key) (*meter.UsageRecord, error)
	ListUsage(ctx context.Context, subID id.SubscriptionID, opts meter.ListOpts) ([]*meter.UsageRecord, error)
	CreateAdjustment(ctx context.Context, a *meter.Adjustment) error
	GetAdjustment(ctx context.Context, adjID id.AdjustmentID) (*meter.Adjustment, error)
	ListAdjustments(ctx context.Context, subID id.SubscriptionID, status meter.AdjustmentStatus) ([]*meter.Adjustment, error)
	UpdateAdjustment(ctx context.Context, a *meter.Adjustment) error

	// Dunning methods
	CreateDunningCase(ctx context.Context, c *dunning.Case) error
	GetDunningCase(ctx context.Context, caseID id.DunningID) (*dunning.Case, error)
	FindOpenDunningCase(ctx context.Context, subID id.SubscriptionID) (*dunning.Case, error)
	ListDueDunningCases(ctx context.Context, now time.Time, limit int) ([]*dunning.Case, error)
	ListDunningCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error)
	UpdateDunningCase(ctx context.Context, c *dunning.Case) error

	// Processed event methods
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, e *webhook.ProcessedEvent) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that Store satisfies every per-entity interface.
var (
	_ plan.Store         = (Store)(nil)
	_ subscription.Store = (Store)(nil)
	_ transaction.Store  = (Store)(nil)
	_ invoice.Store      = (Store)(nil)
	_ meter.Store        = (Store)(nil)
	_ dunning.Store      = (Store)(nil)
	_ webhook.Store      = (Store)(nil)
)

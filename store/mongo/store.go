package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/webhook"
)

// Collection name constants.
const (
	colPlans           = "tally_plans"
	colSubscriptions   = "tally_subscriptions"
	colTransactions    = "tally_transactions"
	colBillingRecords  = "tally_billing_records"
	colUsageRecords    = "tally_usage_records"
	colAdjustments     = "tally_usage_adjustments"
	colDunningCases    = "tally_dunning_cases"
	colProcessedEvents = "tally_processed_events"
)

const liveUserIndex = "idx_tally_subs_live_user"

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.mdb.NewInsert(toPlanModel(p)).Exec(ctx)
	if err != nil {
		return wrapInsert("create plan", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list plans: %w", err)
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.mdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), liveUserIndex) {
			return tally.ErrSubscriptionExists
		}
		return wrapInsert("create subscription", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"_id": subID.String()})
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, bson.M{"provider_subscription_id": providerSubscriptionID})
}

func (s *Store) GetCurrentSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"user_id": userID,
			"status":  bson.M{"$ne": string(subscription.StatusCanceled)},
		}).
		Sort(bson.D{{Key: "created_at", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get current subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var m subscriptionModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if created := timeRange(opts.CreatedAfter, "$gte", opts.CreatedBefore, "$lte"); created != nil {
		filter["created_at"] = created
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": m.ID, "version": sub.Version}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"plan_id":                  m.PlanID,
				"cycle":                    m.Cycle,
				"status":                   m.Status,
				"current_period_start":     m.CurrentPeriodStart,
				"current_period_end":       m.CurrentPeriodEnd,
				"trial_start":              m.TrialStart,
				"trial_end":                m.TrialEnd,
				"canceled_at":              m.CanceledAt,
				"cancel_at":                m.CancelAt,
				"cancel_reason":            m.CancelReason,
				"provider_customer_id":     m.ProviderCustomerID,
				"provider_subscription_id": m.ProviderSubscriptionID,
				"metadata":                 m.Metadata,
				"updated_at":               m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: subscription %s version %d", tally.ErrConflictingWrite, sub.ID, sub.Version)
	}
	sub.Version++
	sub.UpdatedAt = m.UpdatedAt
	return nil
}

// ==================== Transaction Store ====================

func (s *Store) CreateTransaction(ctx context.Context, t *transaction.Transaction) error {
	m, err := toTransactionModel(t)
	if err != nil {
		return err
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return wrapInsert("create transaction", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel

	filter := bson.M{}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if !opts.CreatedBefore.IsZero() {
		filter["created_at"] = bson.M{"$lte": opts.CreatedBefore}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list transactions: %w", err)
	}

	result := make([]*transaction.Transaction, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

// ==================== Billing history Store ====================

func (s *Store) CreateBillingRecord(ctx context.Context, r *invoice.Record) error {
	if _, err := s.mdb.NewInsert(toBillingModel(r)).Exec(ctx); err != nil {
		return wrapInsert("create billing record", err)
	}
	return nil
}

func (s *Store) ListBillingRecords(ctx context.Context, userID string, opts invoice.ListOpts) ([]*invoice.Record, error) {
	var models []billingModel

	filter := bson.M{"user_id": userID}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.Reason != "" {
		filter["reason"] = string(opts.Reason)
	}
	if created := timeRange(opts.Start, "$gte", opts.End, "$lt"); created != nil {
		filter["created_at"] = created
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list billing records: %w", err)
	}

	result := make([]*invoice.Record, len(models))
	for i := range models {
		r, err := fromBillingModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Usage Store ====================

// IncrementUsage relies on $inc with upsert so concurrent writers to one key
// never lose an increment. The period end and rate are part of the filter,
// so a disagreeing record for the same start makes the upsert collide with
// the unique key.
func (s *Store) IncrementUsage(ctx context.Context, rec *meter.UsageRecord) (*meter.UsageRecord, error) {
	overlapping, err := s.mdb.Collection(colUsageRecords).CountDocuments(ctx, bson.M{
		"subscription_id": rec.SubscriptionID.String(),
		"usage_type":      rec.UsageType,
		"period_start":    bson.M{"$ne": rec.PeriodStart, "$lt": rec.PeriodEnd},
		"period_end":      bson.M{"$gt": rec.PeriodStart},
	})
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: check usage period: %w", err)
	}
	if overlapping > 0 {
		return nil, periodMismatch(rec)
	}

	filter := bson.M{
		"subscription_id": rec.SubscriptionID.String(),
		"usage_type":      rec.UsageType,
		"period_start":    rec.PeriodStart,
		"period_end":      rec.PeriodEnd,
		"rate_per_unit":   rec.RatePerUnit.String(),
	}
	update := bson.M{
		"$inc": bson.M{"amount": rec.Amount},
		"$set": bson.M{"updated_at": rec.UpdatedAt},
		"$setOnInsert": bson.M{
			"_id":        rec.ID.String(),
			"created_at": rec.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m usageModel
	err = s.mdb.Collection(colUsageRecords).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, periodMismatch(rec)
		}
		return nil, fmt.Errorf("tally/mongo: increment usage: %w", err)
	}
	return fromUsageModel(&m)
}

func periodMismatch(rec *meter.UsageRecord) error {
	return fmt.Errorf("tally/mongo: %w: %s usage from %s conflicts with a recorded period",
		meter.ErrPeriodMismatch, rec.UsageType, rec.PeriodStart.Format(time.RFC3339))
}

func (s *Store) GetUsage(ctx context.Context, key meter.Key) (*meter.UsageRecord, error) {
	var m usageModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"subscription_id": key.SubscriptionID.String(),
			"usage_type":      key.UsageType,
			"period_start":    key.PeriodStart,
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get usage: %w", err)
	}
	return fromUsageModel(&m)
}

func (s *Store) ListUsage(ctx context.Context, subID id.SubscriptionID, opts meter.ListOpts) ([]*meter.UsageRecord, error) {
	var models []usageModel

	filter := bson.M{"subscription_id": subID.String()}
	if opts.UsageType != "" {
		filter["usage_type"] = opts.UsageType
	}
	if !opts.At.IsZero() {
		filter["period_start"] = bson.M{"$lte": opts.At}
		filter["period_end"] = bson.M{"$gt": opts.At}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "period_start", Value: -1}, {Key: "usage_type", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list usage: %w", err)
	}

	result := make([]*meter.UsageRecord, len(models))
	for i := range models {
		r, err := fromUsageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) CreateAdjustment(ctx context.Context, a *meter.Adjustment) error {
	if _, err := s.mdb.NewInsert(toAdjustmentModel(a)).Exec(ctx); err != nil {
		return wrapInsert("create adjustment", err)
	}
	return nil
}

func (s *Store) GetAdjustment(ctx context.Context, adjID id.AdjustmentID) (*meter.Adjustment, error) {
	var m adjustmentModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": adjID.String()}).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get adjustment: %w", err)
	}
	return fromAdjustmentModel(&m)
}

func (s *Store) ListAdjustments(ctx context.Context, subID id.SubscriptionID, status meter.AdjustmentStatus) ([]*meter.Adjustment, error) {
	var models []adjustmentModel

	filter := bson.M{"subscription_id": subID.String()}
	if status != "" {
		filter["status"] = string(status)
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list adjustments: %w", err)
	}

	result := make([]*meter.Adjustment, len(models))
	for i := range models {
		a, err := fromAdjustmentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

func (s *Store) UpdateAdjustment(ctx context.Context, a *meter.Adjustment) error {
	m := toAdjustmentModel(a)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update adjustment: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrNotFound
	}
	return nil
}

// ==================== Dunning Store ====================

func (s *Store) CreateDunningCase(ctx context.Context, c *dunning.Case) error {
	if _, err := s.mdb.NewInsert(toDunningModel(c)).Exec(ctx); err != nil {
		return wrapInsert("create dunning case", err)
	}
	return nil
}

func (s *Store) GetDunningCase(ctx context.Context, caseID id.DunningID) (*dunning.Case, error) {
	var m dunningModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": caseID.String()}).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrDunningCaseNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get dunning case: %w", err)
	}
	return fromDunningModel(&m)
}

func (s *Store) FindOpenDunningCase(ctx context.Context, subID id.SubscriptionID) (*dunning.Case, error) {
	var m dunningModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"subscription_id": subID.String(),
			"status":          bson.M{"$in": openStatuses()},
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tally/mongo: find open dunning case: %w", err)
	}
	return fromDunningModel(&m)
}

func (s *Store) ListDueDunningCases(ctx context.Context, at time.Time, limit int) ([]*dunning.Case, error) {
	var models []dunningModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":          string(dunning.StatusActive),
			"next_attempt_at": bson.M{"$lte": at},
		}).
		Sort(bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list due dunning cases: %w", err)
	}
	return fromDunningModels(models)
}

func (s *Store) ListDunningCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	var models []dunningModel

	filter := bson.M{}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list dunning cases: %w", err)
	}
	return fromDunningModels(models)
}

func (s *Store) UpdateDunningCase(ctx context.Context, c *dunning.Case) error {
	t := now()
	res, err := s.mdb.NewUpdate((*dunningModel)(nil)).
		Filter(bson.M{"_id": c.ID.String(), "version": c.Version}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"attempt_count":       c.AttemptCount,
				"next_attempt_at":     c.NextAttemptAt,
				"failure_reason":      c.FailureReason,
				"provider_invoice_id": c.ProviderInvoiceID,
				"status":              string(c.Status),
				"notified_attempt":    c.NotifiedAttempt,
				"resolved_at":         c.ResolvedAt,
				"resolution_reason":   c.ResolutionReason,
				"updated_at":          t,
			},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update dunning case: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, getErr := s.GetDunningCase(ctx, c.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: dunning case %s version %d", tally.ErrConflictingWrite, c.ID, c.Version)
	}
	c.Version++
	c.UpdatedAt = t
	return nil
}

func fromDunningModels(models []dunningModel) ([]*dunning.Case, error) {
	result := make([]*dunning.Case, len(models))
	for i := range models {
		c, err := fromDunningModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

// ==================== Processed event Store ====================

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.mdb.Collection(colProcessedEvents).CountDocuments(ctx, bson.M{"event_id": eventID})
	if err != nil {
		return false, fmt.Errorf("tally/mongo: check processed event: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, e *webhook.ProcessedEvent) error {
	if _, err := s.mdb.NewInsert(toProcessedEventModel(e)).Exec(ctx); err != nil {
		return wrapInsert("mark event processed", err)
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func wrapInsert(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("tally/mongo: %s: %w: %w", op, tally.ErrAlreadyExists, err)
	}
	return fmt.Errorf("tally/mongo: %s: %w", op, err)
}

// timeRange builds a bounded filter, or nil when both ends are zero.
func timeRange(from time.Time, fromOp string, to time.Time, toOp string) bson.M {
	r := bson.M{}
	if !from.IsZero() {
		r[fromOp] = from
	}
	if !to.IsZero() {
		r[toOp] = to
	}
	if len(r) == 0 {
		return nil
	}
	return r
}

func openStatuses() []string {
	return []string{string(dunning.StatusActive), string(dunning.StatusPaused)}
}

func nonTerminalStatuses() []string {
	out := make([]string, len(subscription.NonTerminal))
	for i, st := range subscription.NonTerminal {
		out[i] = string(st)
	}
	return out
}

// migrationIndexes returns the index definitions for all tally collections.
// Partial filters with $in need MongoDB 6.0 or newer.
func migrationIndexes() map[string][]mongo.IndexModel {
	hasSourceEvent := bson.M{"source_event_id": bson.M{"$gt": ""}}

	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colSubscriptions: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetName(liveUserIndex).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": bson.M{"$in": nonTerminalStatuses()}}),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "provider_subscription_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colTransactions: {
			{
				Keys:    bson.D{{Key: "source_event_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasSourceEvent),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}}},
		},
		colBillingRecords: {
			{
				Keys:    bson.D{{Key: "source_event_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasSourceEvent),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colUsageRecords: {
			{
				Keys:    bson.D{{Key: "subscription_id", Value: 1}, {Key: "usage_type", Value: 1}, {Key: "period_start", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colAdjustments: {
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colDunningCases: {
			{
				Keys: bson.D{{Key: "subscription_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": bson.M{"$in": openStatuses()}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		},
		colProcessedEvents: {
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}

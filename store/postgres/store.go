package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

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

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/postgres: migration failed: %w", err)
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
	_, err := s.pg.NewInsert(toPlanModel(p)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = $1", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.pg.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	if uniqueConstraint(err) == liveUserIndex {
		return tally.ErrSubscriptionExists
	}
	return mapInsertErr(err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return s.getSubscription(ctx, "id = $1", subID.String())
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	return s.getSubscription(ctx, "provider_subscription_id = $1", providerSubscriptionID)
}

func (s *Store) GetCurrentSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Where("status <> $2", string(subscription.StatusCanceled)).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) getSubscription(ctx context.Context, where string, arg any) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	if err := s.pg.NewSelect(m).Where(where, arg).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.UserID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("user_id = $%d", argIdx), opts.UserID)
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if !opts.CreatedAfter.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at <= $%d", argIdx), opts.CreatedBefore)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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

// UpdateSubscription writes every mutable column guarded by the version the
// caller read.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return err
	}
	t := now()
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("plan_id = $1", sub.PlanID.String()).
		Set("cycle = $2", string(sub.Cycle)).
		Set("status = $3", string(sub.Status)).
		Set("current_period_start = $4", sub.CurrentPeriodStart).
		Set("current_period_end = $5", sub.CurrentPeriodEnd).
		Set("trial_start = $6", sub.TrialStart).
		Set("trial_end = $7", sub.TrialEnd).
		Set("canceled_at = $8", sub.CanceledAt).
		Set("cancel_at = $9", sub.CancelAt).
		Set("cancel_reason = $10", sub.CancelReason).
		Set("provider_customer_id = $11", sub.ProviderCustomerID).
		Set("provider_subscription_id = $12", sub.ProviderSubscriptionID).
		Set("metadata = $13::jsonb", string(metadata)).
		Set("updated_at = $14", t).
		Set("version = version + 1").
		Where("id = $15", sub.ID.String()).
		Where("version = $16", sub.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: subscription %s version %d", tally.ErrConflictingWrite, sub.ID, sub.Version)
	}
	sub.Version++
	sub.UpdatedAt = t
	return nil
}

// ==================== Transaction Store ====================

func (s *Store) CreateTransaction(ctx context.Context, t *transaction.Transaction) error {
	m, err := toTransactionModel(t)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.UserID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("user_id = $%d", argIdx), opts.UserID)
	}
	if !opts.SubscriptionID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("subscription_id = $%d", argIdx), opts.SubscriptionID.String())
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if !opts.CreatedBefore.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at <= $%d", argIdx), opts.CreatedBefore)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	_, err := s.pg.NewInsert(toBillingModel(r)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) ListBillingRecords(ctx context.Context, userID string, opts invoice.ListOpts) ([]*invoice.Record, error) {
	var models []billingModel
	q := s.pg.NewSelect(&models).Where("user_id = $1", userID)

	argIdx := 1
	if !opts.SubscriptionID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("subscription_id = $%d", argIdx), opts.SubscriptionID.String())
	}
	if opts.Reason != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("reason = $%d", argIdx), string(opts.Reason))
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < $%d", argIdx), opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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

// IncrementUsage upserts on (subscription_id, usage_type, period_start) so
// concurrent increments add up inside the database. The insert is skipped
// when another period of the same usage type overlaps, and the update when
// the stored period disagrees on end or rate; either way no row comes back.
func (s *Store) IncrementUsage(ctx context.Context, rec *meter.UsageRecord) (*meter.UsageRecord, error) {
	var usageID string
	err := s.pg.NewRaw(`
		INSERT INTO tally_usage_records
			(id, subscription_id, usage_type, period_start, period_end, amount, rate_per_unit, created_at, updated_at)
		SELECT $1, $2, $3, $4::timestamptz, $5::timestamptz, $6::bigint, $7, $8::timestamptz, $9::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM tally_usage_records
			WHERE subscription_id = $2 AND usage_type = $3
			  AND period_start <> $4::timestamptz
			  AND period_start < $5::timestamptz AND period_end > $4::timestamptz
		)
		ON CONFLICT (subscription_id, usage_type, period_start) DO UPDATE
		SET amount = tally_usage_records.amount + EXCLUDED.amount,
		    updated_at = EXCLUDED.updated_at
		WHERE tally_usage_records.period_end = EXCLUDED.period_end
		  AND tally_usage_records.rate_per_unit::numeric = EXCLUDED.rate_per_unit::numeric
		RETURNING id
	`, rec.ID.String(), rec.SubscriptionID.String(), rec.UsageType, rec.PeriodStart, rec.PeriodEnd,
		rec.Amount, rec.RatePerUnit.String(), rec.CreatedAt, rec.UpdatedAt).Scan(ctx, &usageID)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s usage from %s conflicts with a recorded period",
				meter.ErrPeriodMismatch, rec.UsageType, rec.PeriodStart.Format(time.RFC3339))
		}
		return nil, err
	}

	m := new(usageModel)
	if err := s.pg.NewSelect(m).Where("id = $1", usageID).Scan(ctx); err != nil {
		return nil, err
	}
	return fromUsageModel(m)
}

func (s *Store) GetUsage(ctx context.Context, key meter.Key) (*meter.UsageRecord, error) {
	m := new(usageModel)
	err := s.pg.NewSelect(m).
		Where("subscription_id = $1", key.SubscriptionID.String()).
		Where("usage_type = $2", key.UsageType).
		Where("period_start = $3", key.PeriodStart).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrNotFound
		}
		return nil, err
	}
	return fromUsageModel(m)
}

func (s *Store) ListUsage(ctx context.Context, subID id.SubscriptionID, opts meter.ListOpts) ([]*meter.UsageRecord, error) {
	var models []usageModel
	q := s.pg.NewSelect(&models).Where("subscription_id = $1", subID.String())

	argIdx := 1
	if opts.UsageType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("usage_type = $%d", argIdx), opts.UsageType)
	}
	if !opts.At.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("period_start <= $%d", argIdx), opts.At)
		argIdx++
		q = q.Where(fmt.Sprintf("period_end > $%d", argIdx), opts.At)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("period_start DESC, usage_type ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	_, err := s.pg.NewInsert(toAdjustmentModel(a)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) GetAdjustment(ctx context.Context, adjID id.AdjustmentID) (*meter.Adjustment, error) {
	m := new(adjustmentModel)
	if err := s.pg.NewSelect(m).Where("id = $1", adjID.String()).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, tally.ErrNotFound
		}
		return nil, err
	}
	return fromAdjustmentModel(m)
}

func (s *Store) ListAdjustments(ctx context.Context, subID id.SubscriptionID, status meter.AdjustmentStatus) ([]*meter.Adjustment, error) {
	var models []adjustmentModel
	q := s.pg.NewSelect(&models).Where("subscription_id = $1", subID.String())
	if status != "" {
		q = q.Where("status = $2", string(status))
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrNotFound
	}
	return nil
}

// ==================== Dunning Store ====================

func (s *Store) CreateDunningCase(ctx context.Context, c *dunning.Case) error {
	_, err := s.pg.NewInsert(toDunningModel(c)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) GetDunningCase(ctx context.Context, caseID id.DunningID) (*dunning.Case, error) {
	m := new(dunningModel)
	if err := s.pg.NewSelect(m).Where("id = $1", caseID.String()).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, tally.ErrDunningCaseNotFound
		}
		return nil, err
	}
	return fromDunningModel(m)
}

func (s *Store) FindOpenDunningCase(ctx context.Context, subID id.SubscriptionID) (*dunning.Case, error) {
	m := new(dunningModel)
	err := s.pg.NewSelect(m).
		Where("subscription_id = $1", subID.String()).
		Where("status IN ($2, $3)", string(dunning.StatusActive), string(dunning.StatusPaused)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return fromDunningModel(m)
}

func (s *Store) ListDueDunningCases(ctx context.Context, at time.Time, limit int) ([]*dunning.Case, error) {
	var models []dunningModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(dunning.StatusActive)).
		Where("next_attempt_at <= $2", at).
		OrderExpr("next_attempt_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromDunningModels(models)
}

func (s *Store) ListDunningCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	var models []dunningModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if !opts.SubscriptionID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("subscription_id = $%d", argIdx), opts.SubscriptionID.String())
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromDunningModels(models)
}

// UpdateDunningCase writes the mutable columns guarded by the version the
// caller read.
func (s *Store) UpdateDunningCase(ctx context.Context, c *dunning.Case) error {
	t := now()
	res, err := s.pg.NewUpdate((*dunningModel)(nil)).
		Set("attempt_count = $1", c.AttemptCount).
		Set("next_attempt_at = $2", c.NextAttemptAt).
		Set("failure_reason = $3", c.FailureReason).
		Set("provider_invoice_id = $4", c.ProviderInvoiceID).
		Set("status = $5", string(c.Status)).
		Set("notified_attempt = $6", c.NotifiedAttempt).
		Set("resolved_at = $7", c.ResolvedAt).
		Set("resolution_reason = $8", c.ResolutionReason).
		Set("updated_at = $9", t).
		Set("version = version + 1").
		Where("id = $10", c.ID.String()).
		Where("version = $11", c.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
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
	var count int64
	err := s.pg.NewRaw(`SELECT COUNT(*) FROM tally_processed_events WHERE event_id = $1`, eventID).
		Scan(ctx, &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, e *webhook.ProcessedEvent) error {
	_, err := s.pg.NewInsert(toProcessedEventModel(e)).Exec(ctx)
	return mapInsertErr(err)
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const (
	uniqueViolation = "23505"
	liveUserIndex   = "idx_tally_subs_live_user"
)

// isUniqueViolation matches SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// uniqueConstraint names the index a unique violation hit, or "".
func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

func mapInsertErr(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", tally.ErrAlreadyExists, err)
	}
	return err
}

package sqlite

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:tally_plans"`

	ID                string            `grove:"id,pk"`
	Name              string            `grove:"name"`
	Slug              string            `grove:"slug"`
	Description       string            `grove:"description"`
	Currency          string            `grove:"currency"`
	Status            string            `grove:"status"`
	MonthlyPriceCents int64             `grove:"monthly_price_cents"`
	YearlyPriceCents  int64             `grove:"yearly_price_cents"`
	TrialDays         int               `grove:"trial_days"`
	Features          json.RawMessage   `grove:"features"`
	DistanceCapKm     int64             `grove:"distance_cap_km"`
	RewardsMultiplier string            `grove:"rewards_multiplier"`
	Metadata          map[string]string `grove:"metadata"`
	CreatedAt         time.Time         `grove:"created_at"`
	UpdatedAt         time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	features, _ := json.Marshal(p.Features) //nolint:errcheck // plain structs always marshal

	return &planModel{
		ID:                p.ID.String(),
		Name:              p.Name,
		Slug:              p.Slug,
		Description:       p.Description,
		Currency:          p.Currency,
		Status:            string(p.Status),
		MonthlyPriceCents: p.MonthlyPrice.Amount,
		YearlyPriceCents:  p.YearlyPrice.Amount,
		TrialDays:         p.TrialDays,
		Features:          features,
		DistanceCapKm:     p.DistanceCapKm,
		RewardsMultiplier: p.RewardsMultiplier.String(),
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	var features []plan.Feature
	if len(m.Features) > 0 {
		if err := json.Unmarshal(m.Features, &features); err != nil {
			return nil, err
		}
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                planID,
		Name:              m.Name,
		Slug:              m.Slug,
		Description:       m.Description,
		Currency:          m.Currency,
		Status:            plan.Status(m.Status),
		MonthlyPrice:      types.New(m.MonthlyPriceCents, m.Currency),
		YearlyPrice:       types.New(m.YearlyPriceCents, m.Currency),
		TrialDays:         m.TrialDays,
		Features:          features,
		DistanceCapKm:     m.DistanceCapKm,
		RewardsMultiplier: parseDecimal(m.RewardsMultiplier),
		Metadata:          m.Metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tally_subscriptions"`

	ID                     string            `grove:"id,pk"`
	UserID                 string            `grove:"user_id"`
	PlanID                 string            `grove:"plan_id"`
	Cycle                  string            `grove:"cycle"`
	Status                 string            `grove:"status"`
	CurrentPeriodStart     time.Time         `grove:"current_period_start"`
	CurrentPeriodEnd       time.Time         `grove:"current_period_end"`
	TrialStart             *time.Time        `grove:"trial_start"`
	TrialEnd               *time.Time        `grove:"trial_end"`
	CanceledAt             *time.Time        `grove:"canceled_at"`
	CancelAt               *time.Time        `grove:"cancel_at"`
	CancelReason           string            `grove:"cancel_reason"`
	ProviderCustomerID     string            `grove:"provider_customer_id"`
	ProviderSubscriptionID string            `grove:"provider_subscription_id"`
	Version                int64             `grove:"version"`
	Metadata               map[string]string `grove:"metadata"`
	CreatedAt              time.Time         `grove:"created_at"`
	UpdatedAt              time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                     s.ID.String(),
		UserID:                 s.UserID,
		PlanID:                 s.PlanID.String(),
		Cycle:                  string(s.Cycle),
		Status:                 string(s.Status),
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		TrialStart:             s.TrialStart,
		TrialEnd:               s.TrialEnd,
		CanceledAt:             s.CanceledAt,
		CancelAt:               s.CancelAt,
		CancelReason:           s.CancelReason,
		ProviderCustomerID:     s.ProviderCustomerID,
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		Version:                s.Version,
		Metadata:               s.Metadata,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                     subID,
		UserID:                 m.UserID,
		PlanID:                 planID,
		Cycle:                  plan.Cycle(m.Cycle),
		Status:                 subscription.Status(m.Status),
		CurrentPeriodStart:     m.CurrentPeriodStart,
		CurrentPeriodEnd:       m.CurrentPeriodEnd,
		TrialStart:             m.TrialStart,
		TrialEnd:               m.TrialEnd,
		CanceledAt:             m.CanceledAt,
		CancelAt:               m.CancelAt,
		CancelReason:           m.CancelReason,
		ProviderCustomerID:     m.ProviderCustomerID,
		ProviderSubscriptionID: m.ProviderSubscriptionID,
		Version:                m.Version,
		Metadata:               m.Metadata,
	}, nil
}

// ==================== Transaction models ====================

type transactionModel struct {
	grove.BaseModel `grove:"table:tally_transactions"`

	ID             string          `grove:"id,pk"`
	UserID         string          `grove:"user_id"`
	SubscriptionID string          `grove:"subscription_id"`
	PurchaseID     string          `grove:"purchase_id"`
	AmountCents    int64           `grove:"amount_cents"`
	Currency       string          `grove:"currency"`
	Status         string          `grove:"status"`
	SourceEventID  string          `grove:"source_event_id"`
	ProviderRef    string          `grove:"provider_ref"`
	Provenance     json.RawMessage `grove:"provenance"`
	CreatedAt      time.Time       `grove:"created_at"`
	UpdatedAt      time.Time       `grove:"updated_at"`
}

func toTransactionModel(t *transaction.Transaction) (*transactionModel, error) {
	prov, err := transaction.EncodeProvenance(t.Provenance)
	if err != nil {
		return nil, err
	}
	return &transactionModel{
		ID:             t.ID.String(),
		UserID:         t.UserID,
		SubscriptionID: t.SubscriptionID.String(),
		PurchaseID:     t.PurchaseID,
		AmountCents:    t.Amount.Amount,
		Currency:       t.Amount.Currency,
		Status:         string(t.Status),
		SourceEventID:  t.SourceEventID,
		ProviderRef:    t.ProviderRef,
		Provenance:     prov,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}, nil
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseOptional(m.SubscriptionID, id.PrefixSubscription)
	if err != nil {
		return nil, err
	}
	prov, err := transaction.DecodeProvenance(m.Provenance)
	if err != nil {
		return nil, err
	}

	return &transaction.Transaction{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             txnID,
		UserID:         m.UserID,
		SubscriptionID: subID,
		PurchaseID:     m.PurchaseID,
		Amount:         types.New(m.AmountCents, m.Currency),
		Status:         transaction.Status(m.Status),
		SourceEventID:  m.SourceEventID,
		ProviderRef:    m.ProviderRef,
		Provenance:     prov,
	}, nil
}

// ==================== Billing record models ====================

type billingModel struct {
	grove.BaseModel `grove:"table:tally_billing_records"`

	ID                string    `grove:"id,pk"`
	UserID            string    `grove:"user_id"`
	SubscriptionID    string    `grove:"subscription_id"`
	ProviderInvoiceID string    `grove:"provider_invoice_id"`
	AmountDueCents    int64     `grove:"amount_due_cents"`
	AmountPaidCents   int64     `grove:"amount_paid_cents"`
	Currency          string    `grove:"currency"`
	Reason            string    `grove:"reason"`
	PeriodStart       time.Time `grove:"period_start"`
	PeriodEnd         time.Time `grove:"period_end"`
	SourceEventID     string    `grove:"source_event_id"`
	TaxCents          int64     `grove:"tax_cents"`
	TaxType           string    `grove:"tax_type"`
	CreatedAt         time.Time `grove:"created_at"`
	UpdatedAt         time.Time `grove:"updated_at"`
}

func toBillingModel(r *invoice.Record) *billingModel {
	return &billingModel{
		ID:                r.ID.String(),
		UserID:            r.UserID,
		SubscriptionID:    r.SubscriptionID.String(),
		ProviderInvoiceID: r.ProviderInvoiceID,
		AmountDueCents:    r.AmountDue.Amount,
		AmountPaidCents:   r.AmountPaid.Amount,
		Currency:          r.AmountDue.Currency,
		Reason:            string(r.Reason),
		PeriodStart:       r.PeriodStart,
		PeriodEnd:         r.PeriodEnd,
		SourceEventID:     r.SourceEventID,
		TaxCents:          r.Tax.Amount,
		TaxType:           r.TaxType,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromBillingModel(m *billingModel) (*invoice.Record, error) {
	billID, err := id.ParseBillingID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseOptional(m.SubscriptionID, id.PrefixSubscription)
	if err != nil {
		return nil, err
	}

	return &invoice.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                billID,
		UserID:            m.UserID,
		SubscriptionID:    subID,
		ProviderInvoiceID: m.ProviderInvoiceID,
		AmountDue:         types.New(m.AmountDueCents, m.Currency),
		AmountPaid:        types.New(m.AmountPaidCents, m.Currency),
		Reason:            invoice.Reason(m.Reason),
		PeriodStart:       m.PeriodStart,
		PeriodEnd:         m.PeriodEnd,
		SourceEventID:     m.SourceEventID,
		Tax:               types.New(m.TaxCents, m.Currency),
		TaxType:           m.TaxType,
	}, nil
}

// ==================== Usage models ====================

type usageModel struct {
	grove.BaseModel `grove:"table:tally_usage_records"`

	ID             string    `grove:"id,pk"`
	SubscriptionID string    `grove:"subscription_id"`
	UsageType      string    `grove:"usage_type"`
	PeriodStart    time.Time `grove:"period_start"`
	PeriodEnd      time.Time `grove:"period_end"`
	Amount         int64     `grove:"amount"`
	RatePerUnit    string    `grove:"rate_per_unit"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func fromUsageModel(m *usageModel) (*meter.UsageRecord, error) {
	usageID, err := id.ParseUsageID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &meter.UsageRecord{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             usageID,
		SubscriptionID: subID,
		UsageType:      m.UsageType,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		Amount:         m.Amount,
		RatePerUnit:    parseDecimal(m.RatePerUnit),
	}, nil
}

type adjustmentModel struct {
	grove.BaseModel `grove:"table:tally_usage_adjustments"`

	ID             string     `grove:"id,pk"`
	SubscriptionID string     `grove:"subscription_id"`
	UsageType      string     `grove:"usage_type"`
	Amount         int64      `grove:"amount"`
	PeriodStart    time.Time  `grove:"period_start"`
	PeriodEnd      time.Time  `grove:"period_end"`
	RatePerUnit    string     `grove:"rate_per_unit"`
	Status         string     `grove:"status"`
	Reason         string     `grove:"reason"`
	ResolvedAt     *time.Time `grove:"resolved_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toAdjustmentModel(a *meter.Adjustment) *adjustmentModel {
	return &adjustmentModel{
		ID:             a.ID.String(),
		SubscriptionID: a.SubscriptionID.String(),
		UsageType:      a.UsageType,
		Amount:         a.Amount,
		PeriodStart:    a.PeriodStart,
		PeriodEnd:      a.PeriodEnd,
		RatePerUnit:    a.RatePerUnit.String(),
		Status:         string(a.Status),
		Reason:         a.Reason,
		ResolvedAt:     a.ResolvedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func fromAdjustmentModel(m *adjustmentModel) (*meter.Adjustment, error) {
	adjID, err := id.ParseAdjustmentID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &meter.Adjustment{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             adjID,
		SubscriptionID: subID,
		UsageType:      m.UsageType,
		Amount:         m.Amount,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		RatePerUnit:    parseDecimal(m.RatePerUnit),
		Status:         meter.AdjustmentStatus(m.Status),
		Reason:         m.Reason,
		ResolvedAt:     m.ResolvedAt,
	}, nil
}

// ==================== Dunning models ====================

type dunningModel struct {
	grove.BaseModel `grove:"table:tally_dunning_cases"`

	ID                string     `grove:"id,pk"`
	SubscriptionID    string     `grove:"subscription_id"`
	UserID            string     `grove:"user_id"`
	AttemptCount      int        `grove:"attempt_count"`
	MaxAttempts       int        `grove:"max_attempts"`
	FirstFailedAt     time.Time  `grove:"first_failed_at"`
	NextAttemptAt     time.Time  `grove:"next_attempt_at"`
	FailureReason     string     `grove:"failure_reason"`
	ProviderInvoiceID string     `grove:"provider_invoice_id"`
	Status            string     `grove:"status"`
	NotifiedAttempt   int        `grove:"notified_attempt"`
	ResolvedAt        *time.Time `grove:"resolved_at"`
	ResolutionReason  string     `grove:"resolution_reason"`
	Version           int64      `grove:"version"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toDunningModel(c *dunning.Case) *dunningModel {
	return &dunningModel{
		ID:                c.ID.String(),
		SubscriptionID:    c.SubscriptionID.String(),
		UserID:            c.UserID,
		AttemptCount:      c.AttemptCount,
		MaxAttempts:       c.MaxAttempts,
		FirstFailedAt:     c.FirstFailedAt,
		NextAttemptAt:     c.NextAttemptAt,
		FailureReason:     c.FailureReason,
		ProviderInvoiceID: c.ProviderInvoiceID,
		Status:            string(c.Status),
		NotifiedAttempt:   c.NotifiedAttempt,
		ResolvedAt:        c.ResolvedAt,
		ResolutionReason:  c.ResolutionReason,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func fromDunningModel(m *dunningModel) (*dunning.Case, error) {
	caseID, err := id.ParseDunningID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &dunning.Case{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                caseID,
		SubscriptionID:    subID,
		UserID:            m.UserID,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		FirstFailedAt:     m.FirstFailedAt,
		NextAttemptAt:     m.NextAttemptAt,
		FailureReason:     m.FailureReason,
		ProviderInvoiceID: m.ProviderInvoiceID,
		Status:            dunning.Status(m.Status),
		NotifiedAttempt:   m.NotifiedAttempt,
		ResolvedAt:        m.ResolvedAt,
		ResolutionReason:  m.ResolutionReason,
		Version:           m.Version,
	}, nil
}

// ==================== Processed event models ====================

type processedEventModel struct {
	grove.BaseModel `grove:"table:tally_processed_events"`

	ID          string    `grove:"id,pk"`
	EventID     string    `grove:"event_id"`
	Type        string    `grove:"type"`
	Outcome     string    `grove:"outcome"`
	ProcessedAt time.Time `grove:"processed_at"`
}

func toProcessedEventModel(e *webhook.ProcessedEvent) *processedEventModel {
	return &processedEventModel{
		ID:          e.ID.String(),
		EventID:     e.EventID,
		Type:        e.Type,
		Outcome:     string(e.Outcome),
		ProcessedAt: e.ProcessedAt,
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

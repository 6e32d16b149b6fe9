package meter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// UsageRecord accumulates one usage type for one subscription over one
// half-open billing period [PeriodStart, PeriodEnd).
type UsageRecord struct {
	types.Entity
	ID             id.UsageID        `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UsageType      string            `json:"usage_type"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	Amount         int64             `json:"amount"`
	RatePerUnit    decimal.Decimal   `json:"rate_per_unit"`
}

// Key identifies a usage record.
type Key struct {
	SubscriptionID id.SubscriptionID
	UsageType      string
	PeriodStart    time.Time
}

func (r *UsageRecord) Key() Key {
	return Key{SubscriptionID: r.SubscriptionID, UsageType: r.UsageType, PeriodStart: r.PeriodStart}
}

// Closed reports whether the record's period has ended at t.
func (r *UsageRecord) Closed(t time.Time) bool { return !t.Before(r.PeriodEnd) }

type AdjustmentStatus string

const (
	AdjustmentPending   AdjustmentStatus = "pending"
	AdjustmentApplied   AdjustmentStatus = "applied"
	AdjustmentDiscarded AdjustmentStatus = "discarded"
)

// Adjustment is late usage held for manual reconciliation.
type Adjustment struct {
	types.Entity
	ID             id.AdjustmentID   `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	UsageType      string            `json:"usage_type"`
	Amount         int64             `json:"amount"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	RatePerUnit    decimal.Decimal   `json:"rate_per_unit"`
	Status         AdjustmentStatus  `json:"status"`
	Reason         string            `json:"reason"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// Line is one row of a usage summary.
type Line struct {
	UsageType    string          `json:"usage_type"`
	PeriodStart  time.Time       `json:"period_start,omitzero"`
	PeriodEnd    time.Time       `json:"period_end,omitzero"`
	Used         int64           `json:"used"`
	Limit        int64           `json:"limit"`
	Remaining    int64           `json:"remaining"`
	OverageUnits int64           `json:"overage_units"`
	RatePerUnit  decimal.Decimal `json:"rate_per_unit"`
	OverageCost  decimal.Decimal `json:"overage_cost"`
}

package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tally/analytics"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/transaction"
)

// ──────────────────────────────────────────────────
// Ledger reads
// ──────────────────────────────────────────────────

// BillingHistory lists a user's billing records, newest first.
func (e *Engine) BillingHistory(ctx context.Context, userID string, opts invoice.ListOpts) ([]*invoice.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "is required"}
	}
	return e.store.ListBillingRecords(ctx, userID, opts)
}

// Transactions lists payment transactions.
func (e *Engine) Transactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	return e.store.ListTransactions(ctx, opts)
}

// Snapshot computes revenue metrics as of asOf. A zero asOf means now.
func (e *Engine) Snapshot(ctx context.Context, asOf time.Time) (*analytics.Snapshot, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	start := time.Now()
	snap, err := e.analytics.ComputeSnapshot(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("tally: snapshot: %w", err)
	}
	e.plugins.EmitSnapshotComputed(ctx, snap, time.Since(start))
	return snap, nil
}

package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tally store (SQLite).
var Migrations = migrate.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tally_plans",
			Version: "20250301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_plans (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL DEFAULT '',
    slug                TEXT NOT NULL DEFAULT '',
    description         TEXT NOT NULL DEFAULT '',
    currency            TEXT NOT NULL DEFAULT 'usd',
    status              TEXT NOT NULL DEFAULT 'active',
    monthly_price_cents INTEGER NOT NULL DEFAULT 0,
    yearly_price_cents  INTEGER NOT NULL DEFAULT 0,
    trial_days          INTEGER NOT NULL DEFAULT 0,
    features            TEXT NOT NULL DEFAULT '[]',
    distance_cap_km     INTEGER NOT NULL DEFAULT 0,
    rewards_multiplier  TEXT NOT NULL DEFAULT '1',
    metadata            TEXT NOT NULL DEFAULT '{}',
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_plans_slug ON tally_plans (slug);
CREATE INDEX IF NOT EXISTS idx_tally_plans_status ON tally_plans (status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_subscriptions",
			Version: "20250301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_subscriptions (
    id                       TEXT PRIMARY KEY,
    user_id                  TEXT NOT NULL,
    plan_id                  TEXT NOT NULL,
    cycle                    TEXT NOT NULL DEFAULT 'monthly',
    status                   TEXT NOT NULL DEFAULT 'pending',
    current_period_start     TEXT NOT NULL DEFAULT (datetime('now')),
    current_period_end       TEXT NOT NULL DEFAULT (datetime('now')),
    trial_start              TEXT,
    trial_end                TEXT,
    canceled_at              TEXT,
    cancel_at                TEXT,
    cancel_reason            TEXT NOT NULL DEFAULT '',
    provider_customer_id     TEXT NOT NULL DEFAULT '',
    provider_subscription_id TEXT NOT NULL DEFAULT '',
    version                  INTEGER NOT NULL DEFAULT 0,
    metadata                 TEXT NOT NULL DEFAULT '{}',
    created_at               TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at               TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_subs_live_user
    ON tally_subscriptions (user_id) WHERE status <> 'canceled';
CREATE INDEX IF NOT EXISTS idx_tally_subs_user ON tally_subscriptions (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_subs_status ON tally_subscriptions (status);
CREATE INDEX IF NOT EXISTS idx_tally_subs_provider
    ON tally_subscriptions (provider_subscription_id) WHERE provider_subscription_id <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_transactions",
			Version: "20250301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_transactions (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL DEFAULT '',
    subscription_id TEXT NOT NULL DEFAULT '',
    purchase_id     TEXT NOT NULL DEFAULT '',
    amount_cents    INTEGER NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT 'usd',
    status          TEXT NOT NULL DEFAULT 'pending',
    source_event_id TEXT NOT NULL DEFAULT '',
    provider_ref    TEXT NOT NULL DEFAULT '',
    provenance      TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_txn_source_event
    ON tally_transactions (source_event_id) WHERE source_event_id <> '';
CREATE INDEX IF NOT EXISTS idx_tally_txn_user ON tally_transactions (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_txn_sub ON tally_transactions (subscription_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_transactions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_billing_records",
			Version: "20250301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_billing_records (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    subscription_id     TEXT NOT NULL DEFAULT '',
    provider_invoice_id TEXT NOT NULL DEFAULT '',
    amount_due_cents    INTEGER NOT NULL DEFAULT 0,
    amount_paid_cents   INTEGER NOT NULL DEFAULT 0,
    currency            TEXT NOT NULL DEFAULT 'usd',
    reason              TEXT NOT NULL DEFAULT '',
    period_start        TEXT NOT NULL DEFAULT (datetime('now')),
    period_end          TEXT NOT NULL DEFAULT (datetime('now')),
    source_event_id     TEXT NOT NULL DEFAULT '',
    tax_cents           INTEGER NOT NULL DEFAULT 0,
    tax_type            TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_bill_source_event
    ON tally_billing_records (source_event_id) WHERE source_event_id <> '';
CREATE INDEX IF NOT EXISTS idx_tally_bill_user ON tally_billing_records (user_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_billing_records`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_usage",
			Version: "20250301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_usage_records (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    usage_type      TEXT NOT NULL,
    period_start    TEXT NOT NULL,
    period_end      TEXT NOT NULL,
    amount          INTEGER NOT NULL DEFAULT 0,
    rate_per_unit   TEXT NOT NULL DEFAULT '0',
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_usage_key
    ON tally_usage_records (subscription_id, usage_type, period_start);

CREATE TABLE IF NOT EXISTS tally_usage_adjustments (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    usage_type      TEXT NOT NULL,
    amount          INTEGER NOT NULL DEFAULT 0,
    period_start    TEXT NOT NULL,
    period_end      TEXT NOT NULL,
    rate_per_unit   TEXT NOT NULL DEFAULT '0',
    status          TEXT NOT NULL DEFAULT 'pending',
    reason          TEXT NOT NULL DEFAULT '',
    resolved_at     TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tally_adj_sub ON tally_usage_adjustments (subscription_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS tally_usage_adjustments;
DROP TABLE IF EXISTS tally_usage_records;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_dunning_cases",
			Version: "20250301000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_dunning_cases (
    id                  TEXT PRIMARY KEY,
    subscription_id     TEXT NOT NULL,
    user_id             TEXT NOT NULL DEFAULT '',
    attempt_count       INTEGER NOT NULL DEFAULT 1,
    max_attempts        INTEGER NOT NULL DEFAULT 4,
    first_failed_at     TEXT NOT NULL,
    next_attempt_at     TEXT NOT NULL,
    failure_reason      TEXT NOT NULL DEFAULT '',
    provider_invoice_id TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'active',
    notified_attempt    INTEGER NOT NULL DEFAULT 0,
    resolved_at         TEXT,
    resolution_reason   TEXT NOT NULL DEFAULT '',
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_dunning_open
    ON tally_dunning_cases (subscription_id) WHERE status IN ('active', 'paused');
CREATE INDEX IF NOT EXISTS idx_tally_dunning_due
    ON tally_dunning_cases (next_attempt_at) WHERE status = 'active';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_dunning_cases`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_processed_events",
			Version: "20250301000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_processed_events (
    id           TEXT PRIMARY KEY,
    event_id     TEXT NOT NULL,
    type         TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL DEFAULT '',
    processed_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_events_event_id ON tally_processed_events (event_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_processed_events`)
				return err
			},
		},
	)
}

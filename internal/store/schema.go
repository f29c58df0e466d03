package store

import (
	"context"
	"fmt"
)

// Schema for the import/export service. Applied idempotently at startup.
// pgcrypto provides crypt() and gen_salt() for password hashing in
// CreateUser.
const schema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
    id                  BIGSERIAL PRIMARY KEY,
    login               TEXT NOT NULL UNIQUE,
    email               TEXT NOT NULL UNIQUE,
    password_hash       TEXT NOT NULL,
    first_name          TEXT NOT NULL DEFAULT '',
    last_name           TEXT NOT NULL DEFAULT '',
    billing_first_name  TEXT NOT NULL DEFAULT '',
    billing_last_name   TEXT NOT NULL DEFAULT '',
    billing_company     TEXT NOT NULL DEFAULT '',
    billing_address_1   TEXT NOT NULL DEFAULT '',
    billing_address_2   TEXT NOT NULL DEFAULT '',
    billing_city        TEXT NOT NULL DEFAULT '',
    billing_state       TEXT NOT NULL DEFAULT '',
    billing_postcode    TEXT NOT NULL DEFAULT '',
    billing_country     TEXT NOT NULL DEFAULT '',
    billing_email       TEXT NOT NULL DEFAULT '',
    billing_phone       TEXT NOT NULL DEFAULT '',
    shipping_first_name TEXT NOT NULL DEFAULT '',
    shipping_last_name  TEXT NOT NULL DEFAULT '',
    shipping_company    TEXT NOT NULL DEFAULT '',
    shipping_address_1  TEXT NOT NULL DEFAULT '',
    shipping_address_2  TEXT NOT NULL DEFAULT '',
    shipping_city       TEXT NOT NULL DEFAULT '',
    shipping_state      TEXT NOT NULL DEFAULT '',
    shipping_postcode   TEXT NOT NULL DEFAULT '',
    shipping_country    TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_meta (
    user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    meta_key   TEXT NOT NULL,
    meta_value TEXT NOT NULL DEFAULT '',
    UNIQUE (user_id, meta_key)
);

CREATE TABLE IF NOT EXISTS products (
    id          BIGSERIAL PRIMARY KEY,
    name        TEXT NOT NULL,
    price_cents BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS coupons (
    code         TEXT PRIMARY KEY,
    description  TEXT NOT NULL DEFAULT '',
    amount_cents BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id                      BIGSERIAL PRIMARY KEY,
    customer_id             BIGINT NOT NULL REFERENCES users(id),
    status                  TEXT NOT NULL DEFAULT 'pending',
    currency                TEXT NOT NULL DEFAULT 'USD',
    billing_period          TEXT NOT NULL DEFAULT 'month',
    billing_interval        INTEGER NOT NULL DEFAULT 1,
    start_date              TIMESTAMPTZ NOT NULL,
    trial_end_date          TIMESTAMPTZ,
    next_payment_date       TIMESTAMPTZ,
    cancelled_date          TIMESTAMPTZ,
    end_date                TIMESTAMPTZ,
    payment_method          TEXT NOT NULL DEFAULT 'manual',
    payment_method_title    TEXT NOT NULL DEFAULT '',
    requires_manual_renewal BOOLEAN NOT NULL DEFAULT TRUE,
    total_cents             BIGINT NOT NULL DEFAULT 0,
    tax_cents               BIGINT NOT NULL DEFAULT 0,
    shipping_cents          BIGINT NOT NULL DEFAULT 0,
    shipping_tax_cents      BIGINT NOT NULL DEFAULT 0,
    discount_cents          BIGINT NOT NULL DEFAULT 0,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscription_items (
    id              BIGSERIAL PRIMARY KEY,
    subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
    item_type       TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    product_id      BIGINT NOT NULL DEFAULT 0,
    quantity        INTEGER NOT NULL DEFAULT 1,
    total_cents     BIGINT NOT NULL DEFAULT 0,
    tax_cents       BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscription_item_meta (
    item_id    BIGINT NOT NULL REFERENCES subscription_items(id) ON DELETE CASCADE,
    meta_key   TEXT NOT NULL,
    meta_value TEXT NOT NULL DEFAULT '',
    UNIQUE (item_id, meta_key)
);

CREATE TABLE IF NOT EXISTS subscription_meta (
    subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
    meta_key        TEXT NOT NULL,
    meta_value      TEXT NOT NULL DEFAULT '',
    UNIQUE (subscription_id, meta_key)
);

CREATE TABLE IF NOT EXISTS import_runs (
    id         TEXT PRIMARY KEY,
    file_id    TEXT NOT NULL,
    file_name  TEXT NOT NULL DEFAULT '',
    test_mode  BOOLEAN NOT NULL DEFAULT FALSE,
    succeeded  INTEGER NOT NULL DEFAULT 0,
    failed     INTEGER NOT NULL DEFAULT 0,
    warnings   INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'running',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS export_jobs (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    columns       TEXT[] NOT NULL DEFAULT '{}',
    export_offset INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'pending',
    file_path     TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions (customer_id);
CREATE INDEX IF NOT EXISTS idx_subscription_items_sub ON subscription_items (subscription_id);
CREATE INDEX IF NOT EXISTS idx_subscription_meta_sub ON subscription_meta (subscription_id);
CREATE INDEX IF NOT EXISTS idx_import_runs_file ON import_runs (file_id);
CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs (status);
`

// Migrate applies the schema. Safe to run on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		billing_cycle VARCHAR(20) NOT NULL,
		amount NUMERIC(19, 4) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		current_period_start TIMESTAMP WITH TIME ZONE NOT NULL,
		current_period_end TIMESTAMP WITH TIME ZONE NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		payment_failure_count INTEGER NOT NULL DEFAULT 0,
		grace_period_end TIMESTAMP WITH TIME ZONE,
		next_retry_date TIMESTAMP WITH TIME ZONE,
		last_payment_error TEXT,
		proration_amount NUMERIC(19, 4),
		latest_payment_id VARCHAR(255),
		payment_pending BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions (status, current_period_end)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_retry ON subscriptions (status, next_retry_date)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions (account_id)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		subscription_id VARCHAR(64) NOT NULL REFERENCES subscriptions(id),
		account_id VARCHAR(64) NOT NULL,
		amount NUMERIC(19, 4) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		gateway_payment_id VARCHAR(255) UNIQUE,
		status VARCHAR(20) NOT NULL,
		payment_method VARCHAR(32),
		failure_reason TEXT,
		paid_at TIMESTAMP WITH TIME ZONE,
		idempotency_key VARCHAR(64),
		period_end TIMESTAMP WITH TIME ZONE NOT NULL,
		receipt_url TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_subscription ON payments (subscription_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS account_payment_configs (
		account_id VARCHAR(64) PRIMARY KEY,
		gateway VARCHAR(32) NOT NULL DEFAULT '',
		external_account_id VARCHAR(255),
		default_payment_method_id VARCHAR(255),
		bank_account_id VARCHAR(255),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the billing tables if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is required")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure billing schema: %w", err)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/observability"
)

const subscriptionColumns = `id, account_id, status, billing_cycle, amount, currency,
	current_period_start, current_period_end, cancel_at_period_end,
	payment_failure_count, grace_period_end, next_retry_date, last_payment_error,
	proration_amount, latest_payment_id, payment_pending, created_at, updated_at`

const paymentColumns = `id, subscription_id, account_id, amount, currency,
	gateway_payment_id, status, payment_method, failure_reason, paid_at,
	idempotency_key, period_end, receipt_url, created_at, updated_at`

const upsertPaymentSQL = `
	INSERT INTO payments (` + paymentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (gateway_payment_id) DO UPDATE SET
		status = EXCLUDED.status,
		failure_reason = EXCLUDED.failure_reason,
		paid_at = EXCLUDED.paid_at,
		receipt_url = COALESCE(EXCLUDED.receipt_url, payments.receipt_url),
		updated_at = EXCLUDED.updated_at
`

const guardedUpdateSQL = `
	UPDATE subscriptions SET
		status = $1,
		current_period_start = $2,
		current_period_end = $3,
		cancel_at_period_end = $4,
		payment_failure_count = $5,
		grace_period_end = $6,
		next_retry_date = $7,
		last_payment_error = $8,
		proration_amount = $9,
		latest_payment_id = $10,
		payment_pending = $11,
		updated_at = $12
	WHERE id = $13
		AND status = $14
		AND current_period_end = $15
		AND payment_failure_count = $16
		AND latest_payment_id IS NOT DISTINCT FROM $17
`

// StoreOptions configures the account configuration cache
type StoreOptions struct {
	AccountCacheSize int
	AccountCacheTTL  time.Duration
}

// Store implements billing.Store on PostgreSQL
type Store struct {
	conns    Connections
	accounts *lru.LRU[string, *billing.AccountPaymentConfig]
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewStore creates a store. Selection queries go to replicas, everything
// else to the primary.
func NewStore(conns Connections, opts StoreOptions, logger *observability.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Store{conns: conns, logger: logger, metrics: metrics}
	if opts.AccountCacheSize > 0 {
		s.accounts = lru.NewLRU[string, *billing.AccountPaymentConfig](opts.AccountCacheSize, nil, opts.AccountCacheTTL)
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		s                        billing.Subscription
		graceEnd, nextRetry      sql.NullTime
		lastError, latestPayment sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.AccountID, &s.Status, &s.BillingCycle, &s.Amount, &s.Currency,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd,
		&s.PaymentFailureCount, &graceEnd, &nextRetry, &lastError,
		&s.ProrationAmount, &latestPayment, &s.PaymentPending, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.GracePeriodEnd = timePtr(graceEnd)
	s.NextRetryDate = timePtr(nextRetry)
	s.LastPaymentError = stringPtr(lastError)
	s.LatestPaymentID = stringPtr(latestPayment)
	return &s, nil
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*billing.Subscription, error) {
	rows, err := s.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListDue implements billing.Store
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = $1
			AND cancel_at_period_end = FALSE
			AND payment_pending = FALSE
			AND current_period_end <= $2
		ORDER BY id`
	subs, err := s.querySubscriptions(ctx, query, billing.SubscriptionStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return subs, nil
}

// ListRetryCandidates implements billing.Store
func (s *Store) ListRetryCandidates(ctx context.Context, now time.Time, maxFailures int) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = $1
			AND payment_pending = FALSE
			AND next_retry_date <= $2
			AND grace_period_end >= $2
			AND payment_failure_count < $3
		ORDER BY id`
	subs, err := s.querySubscriptions(ctx, query, billing.SubscriptionStatusPastDue, now, maxFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	return subs, nil
}

// ListByAccount implements billing.Store
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE account_id = $1 AND status <> $2
		ORDER BY id`
	subs, err := s.querySubscriptions(ctx, query, accountID, billing.SubscriptionStatusCanceled)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for account %s: %w", accountID, err)
	}
	return subs, nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.conns.Primary().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetAccountConfig implements billing.Store
func (s *Store) GetAccountConfig(ctx context.Context, accountID string) (*billing.AccountPaymentConfig, error) {
	if s.accounts != nil {
		if cfg, ok := s.accounts.Get(accountID); ok {
			s.metrics.RecordCacheLookup(true)
			cp := *cfg
			return &cp, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	var (
		cfg                          billing.AccountPaymentConfig
		external, defaultPM, bankAcc sql.NullString
	)
	err := s.conns.Primary().QueryRowContext(ctx, `
		SELECT account_id, gateway, external_account_id, default_payment_method_id, bank_account_id
		FROM account_payment_configs
		WHERE account_id = $1
	`, accountID).Scan(&cfg.AccountID, &cfg.Gateway, &external, &defaultPM, &bankAcc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account payment config: %w", err)
	}
	cfg.ExternalAccountID = external.String
	cfg.DefaultPaymentMethodID = defaultPM.String
	cfg.BankAccountID = bankAcc.String

	if s.accounts != nil {
		cp := cfg
		s.accounts.Add(accountID, &cp)
	}
	return &cfg, nil
}

// UpsertAccountConfig writes an account's processor configuration and
// drops any cached copy
func (s *Store) UpsertAccountConfig(ctx context.Context, cfg *billing.AccountPaymentConfig) error {
	_, err := s.conns.Primary().ExecContext(ctx, `
		INSERT INTO account_payment_configs (account_id, gateway, external_account_id, default_payment_method_id, bank_account_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			gateway = EXCLUDED.gateway,
			external_account_id = EXCLUDED.external_account_id,
			default_payment_method_id = EXCLUDED.default_payment_method_id,
			bank_account_id = EXCLUDED.bank_account_id,
			updated_at = NOW()
	`, cfg.AccountID, string(cfg.Gateway), nullString(cfg.ExternalAccountID), nullString(cfg.DefaultPaymentMethodID), nullString(cfg.BankAccountID))
	if err != nil {
		return fmt.Errorf("failed to upsert account payment config: %w", err)
	}
	if s.accounts != nil {
		s.accounts.Remove(cfg.AccountID)
	}
	return nil
}

// CreateSubscription inserts a new subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := s.conns.Primary().ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		sub.ID, sub.AccountID, sub.Status, sub.BillingCycle, sub.Amount, sub.Currency,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.PaymentFailureCount, nullTime(sub.GracePeriodEnd), nullTime(sub.NextRetryDate),
		nullStringPtr(sub.LastPaymentError), sub.ProrationAmount, nullStringPtr(sub.LatestPaymentID),
		sub.PaymentPending, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func scanPayment(row rowScanner) (*billing.Payment, error) {
	var (
		p                                  billing.Payment
		gatewayID, method, reason, receipt sql.NullString
		idempotencyKey                     sql.NullString
		paidAt                             sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.AccountID, &p.Amount, &p.Currency,
		&gatewayID, &p.Status, &method, &reason, &paidAt,
		&idempotencyKey, &p.PeriodEnd, &receipt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.GatewayPaymentID = stringPtr(gatewayID)
	p.FailureReason = stringPtr(reason)
	p.ReceiptURL = stringPtr(receipt)
	p.PaidAt = timePtr(paidAt)
	p.IdempotencyKey = idempotencyKey.String
	if method.Valid {
		m := gateway.Method(method.String)
		p.PaymentMethod = &m
	}
	return &p, nil
}

// GetPaymentByGatewayID implements billing.Store
func (s *Store) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_payment_id = $1`
	p, err := scanPayment(s.conns.Primary().QueryRowContext(ctx, query, gatewayPaymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns every payment of a subscription, oldest first
func (s *Store) ListPayments(ctx context.Context, subscriptionID string) ([]*billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_id = $1 ORDER BY created_at, id`
	rows, err := s.conns.Primary().QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// RecordOutcome implements billing.Store. The guarded update and the
// payment upserts commit together or not at all.
func (s *Store) RecordOutcome(ctx context.Context, guard billing.Guard, sub *billing.Subscription, payments []*billing.Payment) error {
	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, guardedUpdateSQL,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.PaymentFailureCount, nullTime(sub.GracePeriodEnd), nullTime(sub.NextRetryDate),
		nullStringPtr(sub.LastPaymentError), sub.ProrationAmount, nullStringPtr(sub.LatestPaymentID),
		sub.PaymentPending, sub.UpdatedAt,
		sub.ID, guard.Status, guard.PeriodEnd, guard.FailureCount, nullStringPtr(guard.LatestPaymentID),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return billing.ErrConflict
	}

	for _, p := range payments {
		var method sql.NullString
		if p.PaymentMethod != nil {
			method = sql.NullString{String: string(*p.PaymentMethod), Valid: true}
		}
		_, err := tx.ExecContext(ctx, upsertPaymentSQL,
			p.ID, p.SubscriptionID, p.AccountID, p.Amount, p.Currency,
			nullStringPtr(p.GatewayPaymentID), p.Status, method, nullStringPtr(p.FailureReason), nullTime(p.PaidAt),
			nullString(p.IdempotencyKey), p.PeriodEnd, nullStringPtr(p.ReceiptURL), p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Package app implements the token ledger, billing operations, and their
// HTTP handlers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ned4417/prompt-vault/app/models"

	_ "github.com/lib/pq"
)

var (
	// ErrInvalidAmount is returned before any store access when a spend or
	// grant amount is not a positive integer.
	ErrInvalidAmount = errors.New("amount must be a positive integer")
	// ErrNoBalance is returned when the user has no wallet row at all.
	ErrNoBalance = errors.New("no token balance for user")
	// ErrInsufficientTokens is returned when the wallet exists but cannot
	// cover the requested spend.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrNoSubscription is returned when no active subscription exists.
	ErrNoSubscription = errors.New("no active subscription")
)

const defaultHistoryLimit = 50

// Store provides Postgres-backed access to wallets, the transaction ledger,
// purchases, and subscriptions. It is constructed once in main and injected
// into the HTTP layer.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// OpenDB connects to Postgres and verifies the connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	log.Println("Connected to Postgres")
	return db, nil
}

// GetBalance returns the user's current wallet snapshot. A user with no
// wallet row has zero tokens and a nil LastUpdated; that is not an error.
func (s *Store) GetBalance(ctx context.Context, userID string) (models.TokenBalance, error) {
	bal := models.TokenBalance{UserID: userID}

	var lastUpdated time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT tokens, last_updated
		FROM user_tokens
		WHERE user_id = $1;
	`, userID).Scan(&bal.Tokens, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return models.TokenBalance{}, fmt.Errorf("get balance: %w", err)
	}

	bal.LastUpdated = &lastUpdated
	return bal, nil
}

// SpendTokens debits a wallet and appends the matching ledger entry in one
// transaction. The decrement is conditional on the wallet covering the
// amount, so two concurrent spends can never drive the balance below zero.
func (s *Store) SpendTokens(ctx context.Context, userID string, amount int, promptID, description string) (int, error) {
	if userID == "" {
		return 0, errors.New("missing user id")
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if description == "" {
		description = "Prompt purchase"
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("spend: begin tx: %w", err)
	}
	defer tx.Rollback()

	var newBalance int
	err = tx.QueryRowContext(ctx, `
		UPDATE user_tokens
		SET tokens = tokens - $2, last_updated = now()
		WHERE user_id = $1 AND tokens >= $2
		RETURNING tokens;
	`, userID, amount).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the wallet is missing or it cannot cover the spend.
		var current int
		err = tx.QueryRowContext(ctx, `
			SELECT tokens FROM user_tokens WHERE user_id = $1;
		`, userID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoBalance
		}
		if err != nil {
			return 0, fmt.Errorf("spend: check balance: %w", err)
		}
		return current, ErrInsufficientTokens
	}
	if err != nil {
		return 0, fmt.Errorf("spend: decrement: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_transactions (user_id, amount, type, description, prompt_id)
		VALUES ($1, $2, $3, $4, $5);
	`, userID, -amount, models.TransactionSpend, description, nullIfEmpty(promptID))
	if err != nil {
		return 0, fmt.Errorf("spend: record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("spend: commit: %w", err)
	}
	return newBalance, nil
}

// GrantTokens credits a wallet for a confirmed payment. The write is keyed on
// the Stripe event ID, so redelivered webhooks are a no-op: the first call
// claims the event, upserts the wallet, and appends the ledger and purchase
// rows in one transaction; any later call for the same event returns
// applied=false without mutating anything.
func (s *Store) GrantTokens(ctx context.Context, g models.TokenGrant) (applied bool, newBalance int, err error) {
	if g.UserID == "" || g.EventID == "" {
		return false, 0, errors.New("grant requires user id and event id")
	}
	if g.Tokens <= 0 {
		return false, 0, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, 0, fmt.Errorf("grant: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stripe_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING;
	`, g.EventID, string(g.Type))
	if err != nil {
		return false, 0, fmt.Errorf("grant: claim event: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		log.Printf("grant skipped: event %s already processed", g.EventID)
		return false, 0, nil
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_tokens (user_id, tokens, lifetime_tokens, last_updated)
		VALUES ($1, $2, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET tokens = user_tokens.tokens + EXCLUDED.tokens,
		    lifetime_tokens = user_tokens.lifetime_tokens + EXCLUDED.tokens,
		    last_updated = now()
		RETURNING tokens;
	`, g.UserID, g.Tokens).Scan(&newBalance)
	if err != nil {
		return false, 0, fmt.Errorf("grant: upsert balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_transactions (user_id, amount, type, description, stripe_payment_intent_id)
		VALUES ($1, $2, $3, $4, $5);
	`, g.UserID, g.Tokens, g.Type, g.Description, nullIfEmpty(g.StripePaymentIntentID))
	if err != nil {
		return false, 0, fmt.Errorf("grant: record transaction: %w", err)
	}

	currency := g.Currency
	if currency == "" {
		currency = "usd"
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (user_id, stripe_payment_intent_id, amount, currency, status, tokens_received, purchase_type)
		VALUES ($1, $2, $3, $4, 'completed', $5, $6);
	`, g.UserID, nullIfEmpty(g.StripePaymentIntentID), g.AmountCents, currency, g.Tokens, g.PurchaseType)
	if err != nil {
		return false, 0, fmt.Errorf("grant: record purchase: %w", err)
	}

	if g.StripeSubscriptionID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_token_grant = now(), updated_at = now()
			WHERE stripe_subscription_id = $1;
		`, g.StripeSubscriptionID)
		if err != nil {
			return false, 0, fmt.Errorf("grant: mark subscription grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("grant: commit: %w", err)
	}
	return true, newBalance, nil
}

// ListTransactions returns the newest ledger entries for a user.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, prompt_id, bundle_id, stripe_payment_intent_id, created_at
		FROM token_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.TokenTransaction
	for rows.Next() {
		var (
			t             models.TokenTransaction
			description   sql.NullString
			promptID      sql.NullString
			bundleID      sql.NullString
			paymentIntent sql.NullString
		)
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Amount,
			&t.Type,
			&description,
			&promptID,
			&bundleID,
			&paymentIntent,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Description = description.String
		t.PromptID = nullStringPtr(promptID)
		t.BundleID = nullStringPtr(bundleID)
		t.StripePaymentIntentID = nullStringPtr(paymentIntent)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// ListPurchases returns the newest completed purchases for a user.
func (s *Store) ListPurchases(ctx context.Context, userID string, limit int) ([]models.Purchase, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, stripe_payment_intent_id, amount, currency, status, tokens_received, purchase_type, purchased_at
		FROM purchases
		WHERE user_id = $1
		ORDER BY purchased_at DESC
		LIMIT $2;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []models.Purchase
	for rows.Next() {
		var (
			p             models.Purchase
			paymentIntent sql.NullString
		)
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&paymentIntent,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.TokensReceived,
			&p.PurchaseType,
			&p.PurchasedAt,
		); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.StripePaymentIntentID = nullStringPtr(paymentIntent)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

// UpsertSubscription creates or refreshes a subscription record keyed on the
// Stripe subscription ID.
func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			user_id, stripe_subscription_id, stripe_customer_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			plan_name, plan_amount, tokens_per_month
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			plan_name = EXCLUDED.plan_name,
			plan_amount = EXCLUDED.plan_amount,
			tokens_per_month = EXCLUDED.tokens_per_month,
			updated_at = now();
	`,
		sub.UserID,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.PlanName,
		sub.PlanAmount,
		sub.TokensPerMonth,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionStatus applies a lifecycle change from a webhook. The row
// is kept through cancellation; only its status and period fields move.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2,
		    current_period_start = $3,
		    current_period_end = $4,
		    cancel_at_period_end = $5,
		    updated_at = now()
		WHERE stripe_subscription_id = $1;
	`, stripeSubscriptionID, status, periodStart, periodEnd, cancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		log.Printf("subscription update: no row for %s", stripeSubscriptionID)
	}
	return nil
}

// GetActiveSubscription returns the user's current subscription, or
// ErrNoSubscription when none is active.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (models.Subscription, error) {
	var (
		sub            models.Subscription
		lastTokenGrant sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, stripe_subscription_id, stripe_customer_id, status,
		       current_period_start, current_period_end, cancel_at_period_end,
		       plan_name, plan_amount, tokens_per_month, last_token_grant,
		       created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing', 'past_due')
		ORDER BY created_at DESC
		LIMIT 1;
	`, userID).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.PlanName,
		&sub.PlanAmount,
		&sub.TokensPerMonth,
		&lastTokenGrant,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, ErrNoSubscription
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	if lastTokenGrant.Valid {
		sub.LastTokenGrant = &lastTokenGrant.Time
	}
	return sub, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

// Package models defines the persisted token ledger and billing records.
package models

import "time"

type TransactionType string

const (
	TransactionPurchase     TransactionType = "purchase"
	TransactionSubscription TransactionType = "subscription"
	TransactionSpend        TransactionType = "spend"
	TransactionRefund       TransactionType = "refund"
	TransactionBonus        TransactionType = "bonus"
)

// TokenBalance is the current wallet snapshot for one user. A user with no
// purchases has Tokens == 0 and a nil LastUpdated.
type TokenBalance struct {
	UserID      string     `json:"userId"`
	Tokens      int        `json:"balance"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// TokenTransaction is one append-only ledger entry. Amount is negative for
// spends and positive for grants.
type TokenTransaction struct {
	ID                    int64           `json:"id"`
	UserID                string          `json:"user_id"`
	Amount                int             `json:"amount"`
	Type                  TransactionType `json:"type"`
	Description           string          `json:"description,omitempty"`
	PromptID              *string         `json:"prompt_id,omitempty"`
	BundleID              *string         `json:"bundle_id,omitempty"`
	StripePaymentIntentID *string         `json:"stripe_payment_intent_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// TokenGrant describes a confirmed payment that credits a wallet. EventID is
// the Stripe event ID the grant is keyed on for redelivery dedupe.
type TokenGrant struct {
	EventID               string
	UserID                string
	Tokens                int
	Type                  TransactionType
	PurchaseType          PurchaseType
	Description           string
	StripePaymentIntentID string
	StripeSubscriptionID  string
	AmountCents           int64
	Currency              string
}

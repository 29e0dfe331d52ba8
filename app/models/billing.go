package models

import "time"

type PurchaseType string

const (
	PurchasePrompt       PurchaseType = "prompt"
	PurchaseBundle       PurchaseType = "bundle"
	PurchaseTokens       PurchaseType = "tokens"
	PurchaseSubscription PurchaseType = "subscription"
)

// Purchase is a display-oriented record of one completed checkout. Created
// once per payment and never mutated.
type Purchase struct {
	ID                    int64        `json:"id"`
	UserID                string       `json:"user_id"`
	StripePaymentIntentID *string      `json:"stripe_payment_intent_id,omitempty"`
	Amount                int64        `json:"amount"`
	Currency              string       `json:"currency"`
	Status                string       `json:"status"`
	TokensReceived        int          `json:"tokens_received"`
	PurchaseType          PurchaseType `json:"purchase_type"`
	PurchasedAt           time.Time    `json:"purchased_at"`
}

type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
)

// Subscription tracks one user's recurring plan. Lifecycle webhooks update it
// in place; cancellation sets a terminal status, the row is never deleted.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"user_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	PlanName             string             `json:"plan_name"`
	PlanAmount           int64              `json:"plan_amount"`
	TokensPerMonth       int                `json:"tokens_per_month"`
	LastTokenGrant       *time.Time         `json:"last_token_grant,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// TokenPackage is a one-time purchasable token bundle.
type TokenPackage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tokens      int    `json:"tokens"`
	Price       int64  `json:"price"` // cents
	Description string `json:"description"`
	Popular     bool   `json:"popular"`
	Bonus       int    `json:"bonus,omitempty"`
}

// TotalTokens is the granted amount including any bonus tokens.
func (p TokenPackage) TotalTokens() int {
	return p.Tokens + p.Bonus
}

// SubscriptionPlan is a recurring plan with a monthly token allotment. The
// Stripe price ID comes from configuration, not the catalog.
type SubscriptionPlan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tokens      int    `json:"tokens"`
	Price       int64  `json:"price"` // cents per month
	Description string `json:"description"`
	Popular     bool   `json:"popular,omitempty"`
}

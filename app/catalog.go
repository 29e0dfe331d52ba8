package app

import (
	"github.com/ned4417/prompt-vault/app/config"
	"github.com/ned4417/prompt-vault/app/models"
)

// TokenPackages are the one-time purchasable token bundles shown in the
// storefront. Prices are USD cents.
var TokenPackages = map[string]models.TokenPackage{
	"starter": {
		ID:          "starter",
		Name:        "Starter Pack",
		Tokens:      25,
		Price:       999,
		Description: "Perfect for trying out prompts",
	},
	"popular": {
		ID:          "popular",
		Name:        "Popular Pack",
		Tokens:      75,
		Price:       2499,
		Description: "Most popular choice",
		Popular:     true,
		Bonus:       12,
	},
	"pro": {
		ID:          "pro",
		Name:        "Pro Pack",
		Tokens:      200,
		Price:       5999,
		Description: "For serious prompt users",
		Bonus:       40,
	},
}

// SubscriptionPlans are the recurring plans with their monthly token
// allotments. Stripe price IDs live in config, not here.
var SubscriptionPlans = map[string]models.SubscriptionPlan{
	"basic": {
		ID:          "basic",
		Name:        "Basic Plan",
		Tokens:      50,
		Price:       1999,
		Description: "Great for regular users",
	},
	"pro": {
		ID:          "pro",
		Name:        "Pro Plan",
		Tokens:      150,
		Price:       4999,
		Description: "Perfect for power users",
		Popular:     true,
	},
	"enterprise": {
		ID:          "enterprise",
		Name:        "Enterprise Plan",
		Tokens:      500,
		Price:       14999,
		Description: "For teams and businesses",
	},
}

func planPriceID(cfg *config.StripeConfig, planID string) string {
	switch planID {
	case "basic":
		return cfg.BasicPriceID
	case "pro":
		return cfg.ProPriceID
	case "enterprise":
		return cfg.EnterprisePriceID
	default:
		return ""
	}
}

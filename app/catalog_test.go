package app

import (
	"testing"

	"github.com/ned4417/prompt-vault/app/config"
)

func TestTokenPackageTotals(t *testing.T) {
	cases := []struct {
		packageID string
		total     int
	}{
		{"starter", 25},
		{"popular", 87}, // 75 + 12 bonus
		{"pro", 240},    // 200 + 40 bonus
	}
	for _, tc := range cases {
		pkg, ok := TokenPackages[tc.packageID]
		if !ok {
			t.Fatalf("missing package %q", tc.packageID)
		}
		if got := pkg.TotalTokens(); got != tc.total {
			t.Errorf("package %q: expected %d total tokens, got %d", tc.packageID, tc.total, got)
		}
	}
}

func TestCatalogIDsMatchKeys(t *testing.T) {
	for key, pkg := range TokenPackages {
		if pkg.ID != key {
			t.Errorf("package key %q has ID %q", key, pkg.ID)
		}
	}
	for key, plan := range SubscriptionPlans {
		if plan.ID != key {
			t.Errorf("plan key %q has ID %q", key, plan.ID)
		}
	}
}

func TestPlanPriceID(t *testing.T) {
	cfg := &config.StripeConfig{
		BasicPriceID:      "price_basic",
		ProPriceID:        "price_pro",
		EnterprisePriceID: "price_enterprise",
	}

	cases := map[string]string{
		"basic":      "price_basic",
		"pro":        "price_pro",
		"enterprise": "price_enterprise",
		"platinum":   "",
	}
	for planID, want := range cases {
		if got := planPriceID(cfg, planID); got != want {
			t.Errorf("plan %q: expected %q, got %q", planID, want, got)
		}
	}
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ned4417/prompt-vault/app/models"

	"github.com/stripe/stripe-go/v79"
)

// createTokenCheckoutSession starts a one-time Checkout Session for a token
// package. The granted total (tokens + bonus) travels in the session metadata
// so the webhook can credit the wallet without re-deriving it.
func (s *Server) createTokenCheckoutSession(packageID, userID, successURL, cancelURL string) (*stripe.CheckoutSession, error) {
	pkg, ok := TokenPackages[packageID]
	if !ok {
		return nil, errors.New("invalid token package")
	}

	totalTokens := pkg.TotalTokens()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyUSD)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("%s - %d Tokens", pkg.Name, totalTokens)),
						Description: stripe.String(pkg.Description),
					},
					UnitAmount: stripe.Int64(pkg.Price),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"type":       "token_purchase",
			"user_id":    userID,
			"package_id": pkg.ID,
			"tokens":     fmt.Sprintf("%d", totalTokens),
		},
		AllowPromotionCodes: stripe.Bool(true),
	}

	return s.sc.CheckoutSessions.New(params)
}

// createSubscriptionCheckoutSession starts a recurring Checkout Session. The
// subscription metadata carries the monthly token allotment; the invoice
// webhook reads it back on every billing cycle.
func (s *Server) createSubscriptionCheckoutSession(planID, userID, customerEmail, successURL, cancelURL string) (*stripe.CheckoutSession, error) {
	plan, ok := SubscriptionPlans[planID]
	if !ok {
		return nil, errors.New("invalid subscription plan")
	}
	priceID := planPriceID(&s.cfg.Stripe, planID)
	if priceID == "" {
		return nil, fmt.Errorf("no Stripe price configured for plan %s", planID)
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail:      stripe.String(customerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"type":    "subscription",
			"user_id": userID,
			"plan_id": plan.ID,
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id":          userID,
				"plan_id":          plan.ID,
				"tokens_per_month": fmt.Sprintf("%d", plan.Tokens),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
	}

	return s.sc.CheckoutSessions.New(params)
}

// createPortalSession opens the Stripe customer portal for subscription
// management.
func (s *Server) createPortalSession(customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	return s.sc.BillingPortalSessions.New(params)
}

// retrieveSubscription fetches a subscription from Stripe with a basic retry
// for transient failures. The read is idempotent, so retrying is safe.
func (s *Server) retrieveSubscription(id string) (*stripe.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		sub, err := s.sc.Subscriptions.Get(id, nil)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429 {
			break
		}
		time.Sleep(time.Duration(250*(attempt+1)) * time.Millisecond)
	}
	return nil, lastErr
}

func (s *Server) frontendURL(path string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") + path
}

// subscriptionFromStripe maps a Stripe subscription onto our record, filling
// plan details from the catalog when the plan ID is known.
func subscriptionFromStripe(sub *stripe.Subscription, userID, customerID, planID string) models.Subscription {
	rec := models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     customerID,
		Status:               models.SubscriptionStatus(sub.Status),
		CurrentPeriodStart:   time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if plan, ok := SubscriptionPlans[planID]; ok {
		rec.PlanName = plan.Name
		rec.PlanAmount = plan.Price
		rec.TokensPerMonth = plan.Tokens
	}
	return rec
}

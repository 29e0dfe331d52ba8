package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ned4417/prompt-vault/app/models"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type checkoutRequest struct {
	Type      string `json:"type"`
	PackageID string `json:"packageId"`
	PlanID    string `json:"planId"`
	UserID    string `json:"userId"`
}

// CreateCheckoutSession starts a Stripe Checkout Session for a token package
// or a subscription plan.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	switch {
	case req.Type == "tokens" && req.PackageID != "":
		if _, ok := TokenPackages[req.PackageID]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token package"})
			return
		}
	case req.Type == "subscription" && req.PlanID != "":
		if _, ok := SubscriptionPlans[req.PlanID]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription plan"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request parameters"})
		return
	}

	// Grants lazily create wallet rows, so an unknown user must be rejected
	// here or a paid session would credit a wallet nobody owns.
	profile, err := s.store.GetProfile(c.Request.Context(), req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		log.Printf("checkout profile lookup failed user=%s err=%v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	email := ""
	if profile.Email != nil {
		email = *profile.Email
	}

	successURL := s.frontendURL("/dashboard?session=success&type=" + req.Type)
	cancelURL := s.frontendURL("/dashboard?session=cancelled")

	var sess *stripe.CheckoutSession
	if req.Type == "tokens" {
		sess, err = s.createTokenCheckoutSession(req.PackageID, req.UserID, successURL, cancelURL)
	} else {
		sess, err = s.createSubscriptionCheckoutSession(req.PlanID, req.UserID, email, successURL, cancelURL)
	}
	if err != nil {
		log.Printf("stripe checkout session failed user=%s type=%s err=%v", req.UserID, req.Type, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID, "url": sess.URL})
}

type portalRequest struct {
	UserID string `json:"userId"`
}

// CreatePortalSession opens the Stripe customer portal for the user's active
// subscription.
func (s *Server) CreatePortalSession(c *gin.Context) {
	var req portalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	sub, err := s.store.GetActiveSubscription(c.Request.Context(), req.UserID)
	if errors.Is(err, ErrNoSubscription) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription found"})
		return
	}
	if err != nil {
		log.Printf("portal subscription lookup failed user=%s err=%v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}

	sess, err := s.createPortalSession(sub.StripeCustomerID, s.frontendURL("/dashboard"))
	if err != nil {
		log.Printf("stripe portal session failed user=%s err=%v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create portal session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": sess.URL})
}

// StripeWebhook verifies and dispatches billing events. There is no internal
// scheduler; Stripe's billing cycle drives recurring grants through here.
func (s *Server) StripeWebhook(c *gin.Context) {
	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Printf("stripe webhook read failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	endpointSecret := s.cfg.Stripe.WebhookSecret
	if endpointSecret == "" {
		log.Printf("stripe webhook secret missing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		endpointSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		log.Printf("stripe webhook signature failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		err = s.handleCheckoutCompleted(c, event)
	case "invoice.payment_succeeded":
		err = s.handleSubscriptionPayment(c, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		err = s.handleSubscriptionChange(c, event)
	default:
		log.Printf("unhandled stripe event type: %s", event.Type)
	}
	if err != nil {
		log.Printf("stripe webhook handling failed type=%s id=%s err=%v", event.Type, event.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook handling failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) handleCheckoutCompleted(c *gin.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if sess.Metadata == nil {
		return nil
	}

	switch sess.Metadata["type"] {
	case "token_purchase":
		tokens, err := strconv.Atoi(sess.Metadata["tokens"])
		if err != nil || tokens <= 0 {
			// Metadata never changes between redeliveries; failing here would
			// make Stripe retry forever. Ack and leave a trail instead.
			log.Printf("checkout session %s has unusable token metadata %q, acking without grant", sess.ID, sess.Metadata["tokens"])
			return nil
		}
		grant := models.TokenGrant{
			EventID:      event.ID,
			UserID:       sess.Metadata["user_id"],
			Tokens:       tokens,
			Type:         models.TransactionPurchase,
			PurchaseType: models.PurchaseTokens,
			Description:  fmt.Sprintf("Token purchase (%s)", sess.Metadata["package_id"]),
			AmountCents:  sess.AmountTotal,
			Currency:     string(sess.Currency),
		}
		if sess.PaymentIntent != nil {
			grant.StripePaymentIntentID = sess.PaymentIntent.ID
		}
		applied, newBalance, err := s.store.GrantTokens(c.Request.Context(), grant)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("granted %d tokens to user=%s balance=%d event=%s", tokens, grant.UserID, newBalance, event.ID)
		}
		return nil

	case "subscription":
		if sess.Subscription == nil || sess.Customer == nil {
			return errors.New("checkout session missing subscription or customer")
		}
		sub, err := s.retrieveSubscription(sess.Subscription.ID)
		if err != nil {
			return fmt.Errorf("retrieve subscription %s: %w", sess.Subscription.ID, err)
		}
		rec := subscriptionFromStripe(sub, sess.Metadata["user_id"], sess.Customer.ID, sess.Metadata["plan_id"])
		return s.store.UpsertSubscription(c.Request.Context(), rec)
	}

	return nil
}

func (s *Server) handleSubscriptionPayment(c *gin.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}
	if invoice.Subscription == nil || !invoice.Paid {
		return nil
	}

	sub, err := s.retrieveSubscription(invoice.Subscription.ID)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", invoice.Subscription.ID, err)
	}

	tokens, _ := strconv.Atoi(sub.Metadata["tokens_per_month"])
	userID := sub.Metadata["user_id"]
	if tokens <= 0 || userID == "" {
		log.Printf("invoice %s paid but subscription %s has no grant metadata", invoice.ID, sub.ID)
		return nil
	}

	grant := models.TokenGrant{
		EventID:              event.ID,
		UserID:               userID,
		Tokens:               tokens,
		Type:                 models.TransactionSubscription,
		PurchaseType:         models.PurchaseSubscription,
		Description:          "Monthly subscription tokens",
		StripeSubscriptionID: sub.ID,
		AmountCents:          invoice.AmountPaid,
		Currency:             string(invoice.Currency),
	}
	if invoice.PaymentIntent != nil {
		grant.StripePaymentIntentID = invoice.PaymentIntent.ID
	}

	applied, newBalance, err := s.store.GrantTokens(c.Request.Context(), grant)
	if err != nil {
		return err
	}
	if applied {
		log.Printf("granted %d monthly tokens to user=%s balance=%d event=%s", tokens, userID, newBalance, event.ID)
	}
	return nil
}

func (s *Server) handleSubscriptionChange(c *gin.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	return s.store.UpdateSubscriptionStatus(
		c.Request.Context(),
		sub.ID,
		models.SubscriptionStatus(sub.Status),
		time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		sub.CancelAtPeriodEnd,
	)
}

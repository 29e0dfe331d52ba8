package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ned4417/prompt-vault/auth"

	"github.com/gin-gonic/gin"
)

// Health is a public health check endpoint.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// GetTokenBalance returns the wallet snapshot for a user. Users with no
// purchases get a zero balance, not an error.
func (s *Server) GetTokenBalance(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		log.Printf("balance lookup failed user=%s err=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get token balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":     bal.Tokens,
		"lastUpdated": bal.LastUpdated,
	})
}

type spendRequest struct {
	UserID      string `json:"userId"`
	Amount      int    `json:"amount"`
	PromptID    string `json:"promptId"`
	Description string `json:"description"`
}

// SpendTokens debits a wallet for a priced action and records the ledger
// entry.
func (s *Server) SpendTokens(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	newBalance, err := s.store.SpendTokens(ctx, req.UserID, req.Amount, req.PromptID, req.Description)
	switch {
	case errors.Is(err, ErrNoBalance):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found or no token balance"})
		return
	case errors.Is(err, ErrInsufficientTokens):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient tokens"})
		return
	case err != nil:
		log.Printf("spend failed user=%s amount=%d err=%v", req.UserID, req.Amount, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to spend tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"newBalance": newBalance,
	})
}

// GetTokenHistory returns the newest ledger entries for a user.
func (s *Server) GetTokenHistory(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	limit := 0
	if q := c.Query("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			limit = v
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	transactions, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		log.Printf("history lookup failed user=%s err=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":        len(transactions),
		"transactions": transactions,
	})
}

// GetTokenPackages returns the purchasable token packages and subscription
// plans.
func (s *Server) GetTokenPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"packages": TokenPackages,
		"plans":    SubscriptionPlans,
	})
}

// GetPurchases returns the user's completed purchases for the dashboard.
func (s *Server) GetPurchases(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	purchases, err := s.store.ListPurchases(ctx, userID, 0)
	if err != nil {
		log.Printf("purchases lookup failed user=%s err=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load purchases"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(purchases),
		"purchases": purchases,
	})
}

// GetSubscription returns the user's active subscription, if any.
func (s *Server) GetSubscription(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ID is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sub, err := s.store.GetActiveSubscription(ctx, userID)
	if errors.Is(err, ErrNoSubscription) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription found"})
		return
	}
	if err != nil {
		log.Printf("subscription lookup failed user=%s err=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Me returns the authenticated user's profile and wallet summary.
func (s *Server) Me(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	profile, err := s.store.GetProfile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = s.store.UpsertProfileFromClaims(ctx, claims)
			profile, err = s.store.GetProfile(ctx, claims.Subject)
		}
		if err != nil {
			log.Printf("profile lookup failed user=%s err=%v", claims.Subject, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
			return
		}
	}

	bal, err := s.store.GetBalance(ctx, claims.Subject)
	if err != nil {
		log.Printf("balance lookup failed user=%s err=%v", claims.Subject, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get token balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":     profile,
		"balance":     bal.Tokens,
		"lastUpdated": bal.LastUpdated,
	})
}

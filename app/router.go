// Package app wires the shared HTTP routes.
package app

import (
	"time"

	"github.com/ned4417/prompt-vault/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP router. The webhook endpoint stays public because
// Stripe authenticates with its own signature; everything user-facing sits
// behind bearer auth.
func (s *Server) NewRouter() (*gin.Engine, error) {
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", s.Health)
	router.POST("/api/stripe/webhook", s.StripeWebhook)

	verifier, err := auth.NewVerifierFromEnv()
	if err != nil && !auth.AuthDisabled() {
		return nil, err
	}

	protected := router.Group("/")
	protected.Use(auth.Middleware(verifier, auth.MiddlewareConfig{
		OnAuthenticated: func(c *gin.Context, claims *auth.Claims) error {
			return s.store.UpsertProfileFromClaims(c.Request.Context(), claims)
		},
	}))
	protected.GET("/me", s.Me)
	protected.GET("/api/tokens/balance", s.GetTokenBalance)
	protected.POST("/api/tokens/spend", s.SpendTokens)
	protected.GET("/api/tokens/history", s.GetTokenHistory)
	protected.GET("/api/tokens/packages", s.GetTokenPackages)
	protected.GET("/api/purchases", s.GetPurchases)
	protected.GET("/api/subscription", s.GetSubscription)
	protected.POST("/api/stripe/checkout", s.CreateCheckoutSession)
	protected.POST("/api/stripe/portal", s.CreatePortalSession)

	return router, nil
}

package app

import (
	"errors"

	"github.com/ned4417/prompt-vault/app/config"

	"github.com/stripe/stripe-go/v79/client"
)

// Server holds the service handles every handler needs. It is built once in
// main and owns no lifecycle of its own; the entry point closes the DB.
type Server struct {
	store *Store
	sc    *client.API
	cfg   *config.Config
}

func NewServer(store *Store, sc *client.API, cfg *config.Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	return &Server{store: store, sc: sc, cfg: cfg}, nil
}

// NewStripeClient builds a Stripe API client for the given secret key.
func NewStripeClient(secretKey string) *client.API {
	return client.New(secretKey, nil)
}

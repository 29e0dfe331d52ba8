package main

import (
	"log"

	"github.com/ned4417/prompt-vault/app"
	"github.com/ned4417/prompt-vault/app/config"
	"github.com/ned4417/prompt-vault/app/migrations"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := app.OpenDB(cfg.DB.DSN())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := migrations.Up(db); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	store, err := app.NewStore(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}

	sc := app.NewStripeClient(cfg.Stripe.SecretKey)

	server, err := app.NewServer(store, sc, cfg)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	router, err := server.NewRouter()
	if err != nil {
		log.Fatalf("failed to initialize router: %v", err)
	}
	if err := router.Run("0.0.0.0:" + cfg.Port); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

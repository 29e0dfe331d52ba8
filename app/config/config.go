package config

import (
	"fmt"
	"os"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port        string
	FrontendURL string
	DB          PostgresConfig
	Stripe      StripeConfig
	Auth        AuthConfig
}

type PostgresConfig struct {
	Username string
	Password string
	Host     string
	Port     string
	Database string
	SSLMode  string
}

type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	BasicPriceID      string
	ProPriceID        string
	EnterprisePriceID string
}

type AuthConfig struct {
	Issuer   string
	Audience string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: os.Getenv("FRONTEND_URL"),
		DB: PostgresConfig{
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PWD"),
			Host:     os.Getenv("POSTGRES_URL"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			Database: getEnv("POSTGRES_DB", "promptvault"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "require"),
		},
		Stripe: StripeConfig{
			SecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
			BasicPriceID:      os.Getenv("STRIPE_BASIC_PRICE_ID"),
			ProPriceID:        os.Getenv("STRIPE_PRO_PRICE_ID"),
			EnterprisePriceID: os.Getenv("STRIPE_ENTERPRISE_PRICE_ID"),
		},
		Auth: AuthConfig{
			Issuer:   os.Getenv("AUTH_ISSUER"),
			Audience: os.Getenv("AUTH_AUDIENCE"),
		},
	}

	return cfg, nil
}

// DSN builds the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.Username,
		p.Password,
		p.Host,
		p.Port,
		p.Database,
		p.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"peerfund.app/internal/fees"
)

type Config struct {
	DatabaseURL string
	AuthToken   string
	Port        string

	// PlatformUserID is the well-known system account that collects fees.
	// Injected here so business logic never reads it from the environment.
	PlatformUserID uuid.UUID

	FeeRates fees.Rates

	GatewayBaseURL       string
	GatewaySecret        string
	GatewayWebhookSecret string

	AutopayInterval time.Duration
}

func Load() (Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		host := envDefault("DB_HOST", "localhost")
		port := envDefault("DB_PORT", "5432")
		user := strings.TrimSpace(os.Getenv("DB_USER"))
		password := strings.TrimSpace(os.Getenv("DB_PASSWORD"))
		name := strings.TrimSpace(os.Getenv("DB_NAME"))
		sslmode := envDefault("DB_SSLMODE", "disable")
		if user == "" || password == "" || name == "" {
			return Config{}, errors.New("DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME are required")
		}
		dbURL = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, name, sslmode,
		)
	}

	authToken := strings.TrimSpace(os.Getenv("AUTH_TOKEN"))
	if authToken == "" {
		return Config{}, errors.New("AUTH_TOKEN is required")
	}

	platformID, err := uuid.Parse(strings.TrimSpace(os.Getenv("PLATFORM_USER_ID")))
	if err != nil {
		return Config{}, errors.New("PLATFORM_USER_ID must be a valid UUID")
	}

	platformRate, err := decimal.NewFromString(envDefault("PLATFORM_FEE_RATE", "0.03"))
	if err != nil {
		return Config{}, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	bankingRate, err := decimal.NewFromString(envDefault("BANKING_FEE_RATE", "0.01"))
	if err != nil {
		return Config{}, fmt.Errorf("BANKING_FEE_RATE: %w", err)
	}

	interval := 24 * time.Hour
	if raw := strings.TrimSpace(os.Getenv("AUTOPAY_INTERVAL")); raw != "" {
		interval, err = time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("AUTOPAY_INTERVAL: %w", err)
		}
	}

	return Config{
		DatabaseURL:          dbURL,
		AuthToken:            authToken,
		Port:                 envDefault("PORT", "8080"),
		PlatformUserID:       platformID,
		FeeRates:             fees.Rates{Platform: platformRate, Banking: bankingRate},
		GatewayBaseURL:       envDefault("GATEWAY_BASE_URL", "http://localhost:9900"),
		GatewaySecret:        strings.TrimSpace(os.Getenv("GATEWAY_SECRET")),
		GatewayWebhookSecret: strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_SECRET")),
		AutopayInterval:      interval,
	}, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

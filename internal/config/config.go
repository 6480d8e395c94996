// Package config aggregates runtime settings for the creditgate daemon.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/payments"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/creditgate.db"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultOperatorIssuer   = "creditgate"
	defaultHourlyLimit      = 20
	defaultDailyLimit       = 100
	defaultFreePerDay       = 3
	defaultGenerationCost   = 1
	defaultAuthThreshold    = 5
	defaultAuthCooldown     = 15 * time.Minute
	defaultSweepInterval    = time.Hour
	defaultRequestRetention = 48 * time.Hour
	defaultCounterRetention = 24 * time.Hour
	defaultFailureRetention = 24 * time.Hour
	defaultHistoryPageLimit = 20
	defaultShutdownTimeout  = 5 * time.Second
)

// Config carries every runtime setting of the daemon.
type Config struct {
	ListenAddr  string
	DatabaseURL string

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	OperatorSigningKey string
	OperatorIssuer     string

	StripeWebhookSecret string
	PriceEntries        []string

	HourlyRequestLimit    int64
	DailyRequestLimit     int64
	FreeGenerationsPerDay int64
	GenerationCost        int64

	AuthFailureThreshold int64
	AuthCooldown         time.Duration

	SweepInterval        time.Duration
	RequestLogRetention  time.Duration
	CounterIdleRetention time.Duration
	FailedLoginRetention time.Duration
}

// Validate fills defaults and rejects configurations the daemon cannot run
// with.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.OperatorIssuer = defaultIfEmpty(cfg.OperatorIssuer, defaultOperatorIssuer)
	if cfg.HourlyRequestLimit <= 0 {
		cfg.HourlyRequestLimit = defaultHourlyLimit
	}
	if cfg.DailyRequestLimit <= 0 {
		cfg.DailyRequestLimit = defaultDailyLimit
	}
	if cfg.FreeGenerationsPerDay < 0 {
		return fmt.Errorf("free generations per day must not be negative")
	}
	if cfg.FreeGenerationsPerDay == 0 {
		cfg.FreeGenerationsPerDay = defaultFreePerDay
	}
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = defaultGenerationCost
	}
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = defaultAuthThreshold
	}
	if cfg.AuthCooldown <= 0 {
		cfg.AuthCooldown = defaultAuthCooldown
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RequestLogRetention <= 0 {
		cfg.RequestLogRetention = defaultRequestRetention
	}
	if cfg.CounterIdleRetention <= 0 {
		cfg.CounterIdleRetention = defaultCounterRetention
	}
	if cfg.FailedLoginRetention <= 0 {
		cfg.FailedLoginRetention = defaultFailureRetention
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if len(cfg.OperatorSigningKey) == 0 {
		return fmt.Errorf("operator signing key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if len(cfg.PriceEntries) == 0 {
		return fmt.Errorf("at least one price entry is required")
	}
	return nil
}

// PriceTable parses the configured `currency:amount=credits` entries.
func (cfg *Config) PriceTable() (payments.PriceTable, error) {
	entries := make(map[payments.PriceKey]int64, len(cfg.PriceEntries))
	for _, raw := range cfg.PriceEntries {
		key, creditQuantity, err := parsePriceEntry(raw)
		if err != nil {
			return payments.PriceTable{}, err
		}
		entries[key] = creditQuantity
	}
	return payments.NewPriceTable(entries)
}

func parsePriceEntry(raw string) (payments.PriceKey, int64, error) {
	trimmed := strings.TrimSpace(raw)
	mapping := strings.SplitN(trimmed, "=", 2)
	if len(mapping) != 2 {
		return payments.PriceKey{}, 0, fmt.Errorf("price entry %q: expected currency:amount=credits", raw)
	}
	price := strings.SplitN(mapping[0], ":", 2)
	if len(price) != 2 {
		return payments.PriceKey{}, 0, fmt.Errorf("price entry %q: expected currency:amount=credits", raw)
	}
	amountMinor, err := strconv.ParseInt(strings.TrimSpace(price[1]), 10, 64)
	if err != nil {
		return payments.PriceKey{}, 0, fmt.Errorf("price entry %q: bad amount: %w", raw, err)
	}
	creditQuantity, err := strconv.ParseInt(strings.TrimSpace(mapping[1]), 10, 64)
	if err != nil {
		return payments.PriceKey{}, 0, fmt.Errorf("price entry %q: bad credits: %w", raw, err)
	}
	key := payments.PriceKey{
		Currency:         strings.TrimSpace(price[0]),
		AmountMinorUnits: amountMinor,
	}
	return key, creditQuantity, nil
}

// HistoryPageLimit returns how many ledger rows the wallet view fetches.
func HistoryPageLimit() int {
	return defaultHistoryPageLimit
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func ShutdownTimeout() time.Duration {
	return defaultShutdownTimeout
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParsePriceEntries splits comma-delimited price entries into a slice.
func ParsePriceEntries(raw string) []string {
	return ParseAllowedOrigins(raw)
}

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/creditgate/internal/capability"
	"github.com/MarkoPoloResearchLab/creditgate/internal/config"
	"github.com/MarkoPoloResearchLab/creditgate/internal/housekeeping"
	"github.com/MarkoPoloResearchLab/creditgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/admission"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/authguard"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/payments"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagOperatorSigningKey  = "operator-signing-key"
	flagOperatorIssuer      = "operator-issuer"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagPriceEntries        = "price-entries"
	flagHourlyLimit         = "hourly-request-limit"
	flagDailyLimit          = "daily-request-limit"
	flagFreePerDay          = "free-generations-per-day"
	flagGenerationCost      = "generation-cost"
	flagAuthThreshold       = "auth-failure-threshold"
	flagAuthCooldown        = "auth-cooldown"
	flagSweepInterval       = "sweep-interval"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditgated",
		Short:         "Credit ledger, payment intake, and admission control daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "tauth session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "tauth session issuer")
	cmd.Flags().String(flagSessionCookieName, "", "tauth session cookie name")
	cmd.Flags().String(flagOperatorSigningKey, "", "operator token signing key")
	cmd.Flags().String(flagOperatorIssuer, "", "operator token issuer")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagPriceEntries, "", "comma-delimited currency:amount=credits entries")
	cmd.Flags().Int64(flagHourlyLimit, 0, "sliding hourly request limit per identity")
	cmd.Flags().Int64(flagDailyLimit, 0, "sliding daily request limit per identity")
	cmd.Flags().Int64(flagFreePerDay, 0, "free generations per account per day")
	cmd.Flags().Int64(flagGenerationCost, 0, "credits charged per generation")
	cmd.Flags().Int64(flagAuthThreshold, 0, "failed logins before lockout")
	cmd.Flags().Duration(flagAuthCooldown, 0, "lockout cooldown")
	cmd.Flags().Duration(flagSweepInterval, 0, "housekeeping sweep cadence")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		key string
		env string
	}{
		{flagDatabaseURL, "DATABASE_URL"},
		{flagListenAddr, "LISTEN_ADDR"},
		{flagAllowedOrigins, "ALLOWED_ORIGINS"},
		{flagSessionSigningKey, "SESSION_SIGNING_KEY"},
		{flagSessionIssuer, "SESSION_ISSUER"},
		{flagSessionCookieName, "SESSION_COOKIE_NAME"},
		{flagOperatorSigningKey, "OPERATOR_SIGNING_KEY"},
		{flagOperatorIssuer, "OPERATOR_ISSUER"},
		{flagStripeWebhookSecret, "STRIPE_WEBHOOK_SECRET"},
		{flagPriceEntries, "PRICE_ENTRIES"},
		{flagHourlyLimit, "HOURLY_REQUEST_LIMIT"},
		{flagDailyLimit, "DAILY_REQUEST_LIMIT"},
		{flagFreePerDay, "FREE_GENERATIONS_PER_DAY"},
		{flagGenerationCost, "GENERATION_COST"},
		{flagAuthThreshold, "AUTH_FAILURE_THRESHOLD"},
		{flagAuthCooldown, "AUTH_COOLDOWN"},
		{flagSweepInterval, "SWEEP_INTERVAL"},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.key)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(viper.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = viper.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = viper.GetString(flagSessionIssuer)
	cfg.SessionCookieName = viper.GetString(flagSessionCookieName)
	cfg.OperatorSigningKey = viper.GetString(flagOperatorSigningKey)
	cfg.OperatorIssuer = viper.GetString(flagOperatorIssuer)
	cfg.StripeWebhookSecret = viper.GetString(flagStripeWebhookSecret)
	cfg.PriceEntries = config.ParsePriceEntries(viper.GetString(flagPriceEntries))
	cfg.HourlyRequestLimit = viper.GetInt64(flagHourlyLimit)
	cfg.DailyRequestLimit = viper.GetInt64(flagDailyLimit)
	cfg.FreeGenerationsPerDay = viper.GetInt64(flagFreePerDay)
	cfg.GenerationCost = viper.GetInt64(flagGenerationCost)
	cfg.AuthFailureThreshold = viper.GetInt64(flagAuthThreshold)
	cfg.AuthCooldown = viper.GetDuration(flagAuthCooldown)
	cfg.SweepInterval = viper.GetDuration(flagSweepInterval)

	return cfg.Validate()
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	creditStore := gormstore.NewCreditStore(gormDB)
	creditService, err := credits.NewService(creditStore, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	priceTable, err := cfg.PriceTable()
	if err != nil {
		return fmt.Errorf("price table: %w", err)
	}
	paymentStore := gormstore.NewPaymentStore(gormDB)
	processor, err := payments.NewProcessor(paymentStore, creditService, priceTable, clock, logger)
	if err != nil {
		return fmt.Errorf("payment processor init: %w", err)
	}

	admissionStore := gormstore.NewAdmissionStore(gormDB)
	controller, err := admission.NewController(admissionStore, clock, logger)
	if err != nil {
		return fmt.Errorf("admission controller init: %w", err)
	}

	authStore := gormstore.NewAuthStore(gormDB)
	guard, err := authguard.NewGuard(authStore, cfg.AuthFailureThreshold, cfg.AuthCooldown, clock, logger)
	if err != nil {
		return fmt.Errorf("auth guard init: %w", err)
	}

	checker, err := capability.NewTokenChecker([]byte(cfg.OperatorSigningKey), cfg.OperatorIssuer)
	if err != nil {
		return fmt.Errorf("capability checker init: %w", err)
	}

	server, err := httpapi.NewServer(*cfg, logger, creditService, processor, controller, guard, checker)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	sweeper, err := housekeeping.NewSweeper(admissionStore, authStore, housekeeping.Retention{
		RequestLog:  cfg.RequestLogRetention,
		CounterIdle: cfg.CounterIdleRetention,
		FailedLogin: cfg.FailedLoginRetention,
	}, cfg.SweepInterval, clock, logger)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	go sweeper.Run(ctx)
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

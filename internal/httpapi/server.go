// Package httpapi exposes the credit, payment, and admission services over
// HTTP: a session-authenticated user surface, a Stripe webhook intake, an
// operator admin surface, and hooks for the external authentication flow.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/internal/capability"
	"github.com/MarkoPoloResearchLab/creditgate/internal/config"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/admission"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/payments"
)

const authClaimsContextKey = "auth_claims"

// WalletService is the slice of the credits service the HTTP surface needs.
type WalletService interface {
	Balance(ctx context.Context, userID credits.UserID) (credits.Balance, error)
	Grant(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, source credits.GrantSource, description string) (credits.Balance, error)
	Deduct(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, description string) (credits.Balance, error)
	History(ctx context.Context, userID credits.UserID, limit int, offset int) ([]credits.Transaction, error)
	Reconcile(ctx context.Context, userID credits.UserID) (credits.Reconciliation, error)
	ConsumeFreeAllowance(ctx context.Context, userID credits.UserID, dailyLimit int64) (int64, error)
}

// PaymentIntake is the slice of the payment processor the webhook needs.
type PaymentIntake interface {
	Process(ctx context.Context, notification payments.Notification) (payments.Result, error)
	LinkCustomer(ctx context.Context, customerReference string, userID credits.UserID) error
}

// Admitter decides whether a metered request may proceed.
type Admitter interface {
	CheckAndRecord(ctx context.Context, identifier string, identifierType admission.IdentifierType, limits admission.Limits) (admission.Decision, error)
}

// AuthThrottle is the failed-auth penalty box surface.
type AuthThrottle interface {
	IsBlocked(ctx context.Context, email string, ipAddress string) (bool, error)
	RecordFailure(ctx context.Context, email string, ipAddress string) error
	ClearOnSuccess(ctx context.Context, email string, ipAddress string) error
}

// Server wires the HTTP routes to the domain services.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	wallet   WalletService
	intake   PaymentIntake
	admitter Admitter
	throttle AuthThrottle
	checker  capability.Checker
}

// NewServer validates dependencies and returns a Server.
func NewServer(cfg config.Config, logger *zap.Logger, wallet WalletService, intake PaymentIntake, admitter Admitter, throttle AuthThrottle, checker capability.Checker) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wallet == nil || intake == nil || admitter == nil || throttle == nil || checker == nil {
		return nil, errors.New("httpapi: nil dependency")
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("httpapi"),
		wallet:   wallet,
		intake:   intake,
		admitter: admitter,
		throttle: throttle,
		checker:  checker,
	}, nil
}

// Run boots the HTTP server and blocks until ctx is cancelled or the listener
// fails.
func (server *Server) Run(ctx context.Context) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := server.setupRouter(sessionValidator)
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout())
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/stripe", server.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsContextKey))
	api.GET("/wallet", server.handleWallet)
	api.POST("/generations", server.handleGeneration)

	admin := router.Group("/admin")
	admin.Use(server.requireOperator())
	admin.POST("/credits/grant", server.handleAdminGrant)
	admin.POST("/credits/deduct", server.handleAdminDeduct)
	admin.GET("/accounts/:user_id/reconciliation", server.handleReconciliation)

	router.POST("/auth/attempts", server.handleAuthAttempt)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

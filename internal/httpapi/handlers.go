package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/internal/capability"
	"github.com/MarkoPoloResearchLab/creditgate/internal/config"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/admission"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/authguard"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
)

const operatorContextKey = "operator"

type walletResponse struct {
	Balance balancePayload       `json:"balance"`
	Entries []transactionPayload `json:"entries"`
}

type balancePayload struct {
	PaidCredits  int64 `json:"paid_credits"`
	BonusCredits int64 `json:"bonus_credits"`
	TotalCredits int64 `json:"total_credits"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Description    string `json:"description"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := server.sessionUser(ctx)
	if !ok {
		return
	}
	balance, err := server.wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "balance unavailable"))
		return
	}
	history, err := server.wallet.History(ctx.Request.Context(), userID, config.HistoryPageLimit(), 0)
	if err != nil {
		server.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "history unavailable"))
		return
	}
	entries := make([]transactionPayload, 0, len(history))
	for _, transaction := range history {
		entries = append(entries, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount,
			BalanceAfter:   transaction.BalanceAfter,
			Description:    transaction.Description,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, walletResponse{
		Balance: balancePayload{
			PaidCredits:  balance.PaidCredits,
			BonusCredits: balance.BonusCredits,
			TotalCredits: balance.Total(),
		},
		Entries: entries,
	})
}

func (server *Server) handleGeneration(ctx *gin.Context) {
	userID, ok := server.sessionUser(ctx)
	if !ok {
		return
	}

	decision, err := server.admitter.CheckAndRecord(ctx.Request.Context(), userID.String(), admission.IdentifierUser, admission.Limits{
		Hourly: server.cfg.HourlyRequestLimit,
		Daily:  server.cfg.DailyRequestLimit,
	})
	if err != nil {
		server.logger.Error("admission check failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("admission_error", "admission unavailable"))
		return
	}
	if !decision.CanProceed {
		ctx.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":    "rate_limited",
				"message": "request quota exceeded",
			},
			"reset_at":         decision.ResetAt.UTC().Format(time.RFC3339),
			"hourly_remaining": decision.HourlyRemaining,
			"daily_remaining":  decision.DailyRemaining,
		})
		return
	}

	remainingFree, err := server.wallet.ConsumeFreeAllowance(ctx.Request.Context(), userID, server.cfg.FreeGenerationsPerDay)
	if err == nil {
		ctx.JSON(http.StatusOK, gin.H{
			"source":         "free",
			"remaining_free": remainingFree,
		})
		return
	}
	if !errors.Is(err, credits.ErrFreeAllowanceExhausted) {
		server.logger.Error("free allowance check failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "allowance unavailable"))
		return
	}

	amount, err := credits.NewCreditAmount(server.cfg.GenerationCost)
	if err != nil {
		server.logger.Error("generation cost misconfigured", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "generation cost misconfigured"))
		return
	}
	balance, err := server.wallet.Deduct(ctx.Request.Context(), userID, amount, "image generation")
	if errors.Is(err, credits.ErrInsufficientBalance) {
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
		return
	}
	if err != nil {
		server.logger.Error("credit deduct failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "deduct failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"source": "credits",
		"balance": balancePayload{
			PaidCredits:  balance.PaidCredits,
			BonusCredits: balance.BonusCredits,
			TotalCredits: balance.Total(),
		},
	})
}

func (server *Server) requireOperator() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer "))
		operator, err := server.checker.Authorize(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin capability required"))
			return
		}
		ctx.Set(operatorContextKey, operator)
		ctx.Next()
	}
}

type adminGrantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	source := credits.SourceBonus
	if strings.TrimSpace(request.Source) != "" {
		source, err = credits.ParseGrantSource(request.Source)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_source", err.Error()))
			return
		}
	}
	operator := operatorFrom(ctx)
	description := adminDescription("grant", operator.ID, request.Reason)
	balance, err := server.wallet.Grant(ctx.Request.Context(), userID, amount, source, description)
	if err != nil {
		server.logger.Error("admin grant failed",
			zap.String("user_id", userID.String()),
			zap.String("operator", operator.ID),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "grant failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayload{
		PaidCredits:  balance.PaidCredits,
		BonusCredits: balance.BonusCredits,
		TotalCredits: balance.Total(),
	}})
}

type adminDeductRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (server *Server) handleAdminDeduct(ctx *gin.Context) {
	var request adminDeductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	operator := operatorFrom(ctx)
	description := adminDescription("deduct", operator.ID, request.Reason)
	balance, err := server.wallet.Deduct(ctx.Request.Context(), userID, amount, description)
	if errors.Is(err, credits.ErrInsufficientBalance) {
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_credits", "balance cannot cover the amount"))
		return
	}
	if err != nil {
		server.logger.Error("admin deduct failed",
			zap.String("user_id", userID.String()),
			zap.String("operator", operator.ID),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "deduct failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayload{
		PaidCredits:  balance.PaidCredits,
		BonusCredits: balance.BonusCredits,
		TotalCredits: balance.Total(),
	}})
}

func (server *Server) handleReconciliation(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	report, err := server.wallet.Reconcile(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("reconciliation failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "reconciliation unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    userID.String(),
		"ledger_sum": report.LedgerSum,
		"live_total": report.LiveTotal,
		"consistent": report.Consistent,
	})
}

type authAttemptRequest struct {
	Email     string `json:"email"`
	IPAddress string `json:"ip_address"`
	Outcome   string `json:"outcome"`
}

// handleAuthAttempt is the hook the external authentication flow calls around
// each login: "check" before verifying credentials, "failure" after a bad
// attempt, "success" after a good one.
func (server *Server) handleAuthAttempt(ctx *gin.Context) {
	var request authAttemptRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx := ctx.Request.Context()
	switch request.Outcome {
	case "check":
	case "failure":
		if err := server.throttle.RecordFailure(requestCtx, request.Email, request.IPAddress); err != nil {
			server.respondAuthError(ctx, err)
			return
		}
	case "success":
		if err := server.throttle.ClearOnSuccess(requestCtx, request.Email, request.IPAddress); err != nil {
			server.respondAuthError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"blocked": false})
		return
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_outcome", "outcome must be check, failure, or success"))
		return
	}
	blocked, err := server.throttle.IsBlocked(requestCtx, request.Email, request.IPAddress)
	if err != nil {
		server.respondAuthError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"blocked": blocked})
}

func (server *Server) respondAuthError(ctx *gin.Context, err error) {
	if errors.Is(err, authguard.ErrInvalidKey) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_key", "email and ip_address are required"))
		return
	}
	server.logger.Error("auth throttle call failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("throttle_error", "throttle unavailable"))
}

func (server *Server) sessionUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func operatorFrom(ctx *gin.Context) capability.Operator {
	value, ok := ctx.Get(operatorContextKey)
	if !ok {
		return capability.Operator{}
	}
	operator, _ := value.(capability.Operator)
	return operator
}

func adminDescription(action string, operatorID string, reason string) string {
	parts := []string{"admin " + action}
	if operatorID != "" {
		parts = append(parts, "by "+operatorID)
	}
	if strings.TrimSpace(reason) != "" {
		parts = append(parts, "("+strings.TrimSpace(reason)+")")
	}
	return strings.Join(parts, " ")
}

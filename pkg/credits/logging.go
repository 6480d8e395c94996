package credits

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation   string
	UserID      UserID
	Amount      CreditAmount
	Source      GrantSource
	Description string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ZapOperationLogger forwards operation logs to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a zap-backed operation logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger.Named("credits")}
}

// LogOperation emits one structured record per state-changing operation.
func (zapLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source.String()))
	}
	if entry.Description != "" {
		fields = append(fields, zap.String("description", entry.Description))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("credit operation failed", fields...)
		return
	}
	zapLogger.logger.Info("credit operation applied", fields...)
}

package httpapi

import (
	"context"

	"github.com/cvbien/backend/pkg/ledger"
	"go.uber.org/zap"
)

// zapOperationLogger adapts the ledger's operation callbacks onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps a zap logger for the ledger core.
func NewOperationLogger(logger *zap.Logger) ledger.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.PaymentRef.String() != "" {
		fields = append(fields, zap.String("payment_ref", entry.PaymentRef.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

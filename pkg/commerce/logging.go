package commerce

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

// OperationLog describes a state-changing commerce operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	ProductID ProductID
	Reference string
	Amount    Amount
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithQuoteClient wires the payment-provider quote client used for top-ups.
func WithQuoteClient(client QuoteClient) ServiceOption {
	return func(service *Service) {
		service.quote = client
	}
}

// WithMinimumTopup overrides the smallest accepted top-up amount.
func WithMinimumTopup(minimum Amount) ServiceOption {
	return func(service *Service) {
		service.minimumTopup = minimum
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger contract.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a ZapOperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per domain operation.
func (adapter *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if adapter.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Int64("user_id", int64(entry.UserID)),
		zap.Int64("amount", int64(entry.Amount)),
		zap.String("status", entry.Status),
	}
	if entry.ProductID != 0 {
		fields = append(fields, zap.Int64("product_id", int64(entry.ProductID)))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("commerce operation failed", fields...)
		return
	}
	adapter.logger.Info("commerce operation", fields...)
}

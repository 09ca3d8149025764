package commerce

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the commerce service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOutOfStock           = errors.New("out of stock")
	ErrProductNotFound      = errors.New("product not found")
	ErrProductInactive      = errors.New("product inactive")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidSignature     = errors.New("invalid callback signature")
	ErrUnknownReference     = errors.New("unknown payment reference")
	ErrReferenceClosed      = errors.New("payment reference closed")
	ErrReferenceExists      = errors.New("payment reference already exists")
	ErrInvalidPayload       = errors.New("invalid callback payload")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidProductID     = errors.New("invalid product id")
	ErrInvalidProductName   = errors.New("invalid product name")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidStockUnit     = errors.New("invalid stock unit")
	ErrInvalidDeliveryMode  = errors.New("invalid delivery mode")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrTopupBelowMinimum    = errors.New("topup below minimum")
	ErrQuoteUnavailable     = errors.New("quote provider unavailable")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnknownPayment       = errors.New("unknown payment")
	ErrPaymentNotCompleted  = errors.New("payment not completed")
	ErrPaymentExists        = errors.New("pending payment already exists")
	ErrPaymentClosed        = errors.New("pending payment closed")
	ErrDuplicateExternalRef = errors.New("duplicate external ref")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidPaymentRef    = errors.New("invalid payment ref")
	ErrInvalidCreditAmount  = errors.New("invalid credit amount")
	ErrInvalidEntryReason   = errors.New("invalid entry reason")
	ErrInvalidPaymentStatus = errors.New("invalid payment status")
	ErrInvalidExternalRef   = errors.New("invalid external ref")
	ErrInvalidServiceConfig = errors.New("invalid service config")
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

package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// ReconcilerOption configures a Reconciler instance.
type ReconcilerOption func(*Reconciler)

// OperationLogger records domain-level events emitted by balance-mutating
// operations. Logging amounts and account ids is a boundary concern; the
// core only hands them over.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation   string
	AccountID   AccountID
	PaymentRef  PaymentRef
	Amount      int64
	Reason      EntryReason
	ExternalRef string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReconcilerLogger wires a logger into the reconciler.
func WithReconcilerLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// WithPaymentRefGenerator overrides how fresh payment references are minted.
func WithPaymentRefGenerator(generate func() string) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.refFn = generate
	}
}

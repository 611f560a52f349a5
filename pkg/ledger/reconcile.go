package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Reconciler bridges an external, possibly-retried payment confirmation
// stream to exactly-once Account Service credits. The ledger's uniqueness
// constraint on (purchase, external_ref) is the correctness mechanism; the
// pending payment status is an optimization on top of it.
type Reconciler struct {
	service *Service
	store   Store
	nowFn   func() int64
	refFn   func() string
	logger  OperationLogger
}

// NewReconciler wires a Reconciler over the Account Service and its store.
func NewReconciler(service *Service, store Store, now func() int64, options ...ReconcilerOption) (*Reconciler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{
		service: service,
		store:   store,
		nowFn:   now,
		refFn:   func() string { return paymentRefPrefix + uuid.NewString() },
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// CreatePending mints a fresh payment reference and persists it with status
// created. The checkout-session call to the payment collaborator is the
// boundary's job; this only tracks the mapping.
func (reconciler *Reconciler) CreatePending(ctx context.Context, accountID AccountID, creditsRequested CreditAmount) (PendingPayment, error) {
	payment := PendingPayment{
		PaymentRef:       reconciler.refFn(),
		AccountID:        accountID.String(),
		CreditsRequested: creditsRequested.Int64(),
		Status:           PaymentStatusCreated,
		CreatedUnixUTC:   reconciler.nowFn(),
	}
	operationError := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID.String(), reconciler.service.signupGrant); err != nil {
			return err
		}
		return transactionStore.CreatePendingPayment(ctx, payment)
	})
	paymentRef, _ := NewPaymentRef(payment.PaymentRef)
	reconciler.logOperation(ctx, OperationLog{
		Operation:  operationCreatePending,
		AccountID:  accountID,
		PaymentRef: paymentRef,
		Amount:     creditsRequested.Int64(),
		Error:      operationError,
	})
	if operationError != nil {
		return PendingPayment{}, operationError
	}
	return payment, nil
}

// Confirm grants the credits for a confirmed payment exactly once. Safe to
// call any number of times: webhook redelivery, manual retry, or a user
// double-click all land on the credit's idempotency rule and report
// AlreadyApplied. The caller must have verified processor-side payment
// status and signature before calling.
func (reconciler *Reconciler) Confirm(ctx context.Context, paymentRef PaymentRef) (ConfirmResult, error) {
	payment, err := reconciler.store.GetPendingPayment(ctx, paymentRef.String())
	if err != nil {
		reconciler.logConfirm(ctx, paymentRef, OperationLog{Error: err})
		return ConfirmResult{}, err
	}
	accountID, err := NewAccountID(payment.AccountID)
	if err != nil {
		return ConfirmResult{}, err
	}
	creditsRequested, err := NewCreditAmount(payment.CreditsRequested)
	if err != nil {
		return ConfirmResult{}, err
	}
	creditResult, err := reconciler.service.Credit(ctx, accountID, creditsRequested, ReasonPurchase, payment.PaymentRef)
	if err != nil {
		reconciler.logConfirm(ctx, paymentRef, OperationLog{AccountID: accountID, Amount: payment.CreditsRequested, Error: err})
		return ConfirmResult{}, err
	}
	// Best-effort status flip; a lost race here is harmless because the
	// ledger entry already pins the grant.
	statusErr := reconciler.store.UpdatePendingPaymentStatus(ctx, payment.PaymentRef, PaymentStatusCreated, PaymentStatusConfirmed)
	if statusErr != nil && !errors.Is(statusErr, ErrPaymentClosed) {
		reconciler.logConfirm(ctx, paymentRef, OperationLog{AccountID: accountID, Amount: payment.CreditsRequested, Error: statusErr})
		return ConfirmResult{}, statusErr
	}
	status := operationStatusOK
	if creditResult.AlreadyApplied {
		status = operationStatusReplay
	}
	reconciler.logConfirm(ctx, paymentRef, OperationLog{
		AccountID: accountID,
		Amount:    payment.CreditsRequested,
		Status:    status,
	})
	return ConfirmResult{
		CreditsGranted: payment.CreditsRequested,
		NewBalance:     creditResult.NewBalance,
		AlreadyApplied: creditResult.AlreadyApplied,
	}, nil
}

// ExpirePending flips stale created payments to expired and reports how
// many rows moved. Balances are never touched.
func (reconciler *Reconciler) ExpirePending(ctx context.Context, olderThanUnixUTC int64) (int64, error) {
	return reconciler.store.ExpirePendingPayments(ctx, olderThanUnixUTC)
}

func (reconciler *Reconciler) logConfirm(ctx context.Context, paymentRef PaymentRef, entry OperationLog) {
	entry.Operation = operationConfirm
	entry.PaymentRef = paymentRef
	entry.Reason = ReasonPurchase
	entry.ExternalRef = paymentRef.String()
	reconciler.logOperation(ctx, entry)
}

func (reconciler *Reconciler) logOperation(ctx context.Context, entry OperationLog) {
	if reconciler.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	reconciler.logger.LogOperation(ctx, entry)
}

package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service is the only code path permitted to mutate account balances.
type Service struct {
	store       Store
	signupGrant int64
	nowFn       func() int64
	logger      OperationLogger
}

// NewService wires a Service. signupGrant is the balance granted to an
// account on first touch; the euro-to-credit exchange rate lives with the
// boundary, not here.
func NewService(store Store, signupGrant int64, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if signupGrant < 0 {
		return nil, fmt.Errorf("%w: signup grant must not be negative", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, signupGrant: signupGrant, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account's current balance, provisioning the account
// with the signup grant on first reference.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID.String(), service.signupGrant)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Debit atomically decrements the balance and appends a negative ledger
// entry. Returns ErrInsufficientBalance, leaving the balance untouched,
// when the account holds fewer credits than requested.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount CreditAmount, reason EntryReason, externalRef string) (int64, error) {
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID.String(), service.signupGrant); err != nil {
			return err
		}
		updated, err := transactionStore.DecrementBalance(ctx, accountID.String(), amount.Int64())
		if err != nil {
			return err
		}
		if !updated {
			return ErrInsufficientBalance
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID.String(),
			Delta:          -amount.Int64(),
			Reason:         reason,
			ExternalRef:    externalRef,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		newBalance, err = transactionStore.GetBalance(ctx, accountID.String())
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		Reason:      reason,
		ExternalRef: externalRef,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Credit atomically increments the balance and appends a positive ledger
// entry. Purchase credits require an external ref; when an entry with the
// same (reason, external_ref) already exists the call is an idempotent
// no-op reporting AlreadyApplied with the balance unchanged.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount CreditAmount, reason EntryReason, externalRef string) (CreditResult, error) {
	if reason == ReasonPurchase && externalRef == "" {
		return CreditResult{}, fmt.Errorf("%w: purchase credits require an external ref", ErrInvalidExternalRef)
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID.String(), service.signupGrant); err != nil {
			return err
		}
		// The entry insert carries the uniqueness constraint, so it goes
		// first: a duplicate aborts the transaction before the balance moves.
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID.String(),
			Delta:          amount.Int64(),
			Reason:         reason,
			ExternalRef:    externalRef,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		if err := transactionStore.IncrementBalance(ctx, accountID.String(), amount.Int64()); err != nil {
			return err
		}
		var err error
		newBalance, err = transactionStore.GetBalance(ctx, accountID.String())
		return err
	})
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		currentBalance, balanceErr := service.store.GetBalance(ctx, accountID.String())
		if balanceErr != nil {
			return CreditResult{}, balanceErr
		}
		service.logOperation(ctx, OperationLog{
			Operation:   operationCredit,
			AccountID:   accountID,
			Amount:      amount.Int64(),
			Reason:      reason,
			ExternalRef: externalRef,
			Status:      operationStatusReplay,
		})
		return CreditResult{NewBalance: currentBalance, AlreadyApplied: true}, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		Reason:      reason,
		ExternalRef: externalRef,
		Error:       operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return CreditResult{NewBalance: newBalance}, nil
}

// ListEntries lists ledger entries for an account before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID.String(), service.signupGrant)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, account.AccountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

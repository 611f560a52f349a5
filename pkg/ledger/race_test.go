package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestConcurrentFullBalanceDebitsAllowExactlyOne(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 8)
	accountID := mustAccountID(test, "race-debit")
	ctx := context.Background()
	if _, err := service.Balance(ctx, accountID); err != nil {
		test.Fatalf("provision: %v", err)
	}

	const contenders = 2
	results := make([]error, contenders)
	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)
	for index := 0; index < contenders; index++ {
		done.Add(1)
		go func(slot int) {
			defer done.Done()
			start.Wait()
			_, results[slot] = service.Debit(ctx, accountID, mustCreditAmount(test, 8), ReasonConsumption, "")
		}(index)
	}
	start.Done()
	done.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientBalance):
			rejections++
		default:
			test.Fatalf("unexpected debit error: %v", err)
		}
	}
	if successes != 1 || rejections != 1 {
		test.Fatalf("expected 1 success and 1 rejection, got %d/%d", successes, rejections)
	}
	if balance := store.mustBalance(test, "race-debit"); balance != 0 {
		test.Fatalf("expected final balance 0, got %d", balance)
	}
}

func TestConcurrentConfirmsGrantOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 0)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_race"))
	accountID := mustAccountID(test, "race-confirm")
	ctx := context.Background()

	if _, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 100)); err != nil {
		test.Fatalf("create pending: %v", err)
	}

	const contenders = 4
	results := make([]ConfirmResult, contenders)
	errs := make([]error, contenders)
	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)
	for index := 0; index < contenders; index++ {
		done.Add(1)
		go func(slot int) {
			defer done.Done()
			start.Wait()
			results[slot], errs[slot] = reconciler.Confirm(ctx, mustPaymentRef(test, "pay_race"))
		}(index)
	}
	start.Done()
	done.Wait()

	var grants int
	for index := 0; index < contenders; index++ {
		if errs[index] != nil {
			test.Fatalf("confirm %d: %v", index, errs[index])
		}
		if !results[index].AlreadyApplied {
			grants++
		}
	}
	if grants != 1 {
		test.Fatalf("expected exactly one fresh grant, got %d", grants)
	}

	var purchaseEntries int
	for _, entry := range store.entriesForAccount("race-confirm") {
		if entry.Reason == ReasonPurchase {
			purchaseEntries++
		}
	}
	if purchaseEntries != 1 {
		test.Fatalf("expected one purchase entry, got %d", purchaseEntries)
	}
	if balance := store.mustBalance(test, "race-confirm"); balance != 100 {
		test.Fatalf("expected balance 100 after single grant, got %d", balance)
	}
}

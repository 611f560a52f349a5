package ledger

import (
	"context"
	"errors"
	"testing"
)

func staticRefGenerator(ref string) ReconcilerOption {
	return WithPaymentRefGenerator(func() string { return ref })
}

func TestCreatePendingPersistsCreatedPayment(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_abc"))
	accountID := mustAccountID(test, "buyer-1")

	payment, err := reconciler.CreatePending(context.Background(), accountID, mustCreditAmount(test, 5))
	if err != nil {
		test.Fatalf("create pending: %v", err)
	}
	if payment.PaymentRef != "pay_abc" {
		test.Fatalf("expected payment ref pay_abc, got %s", payment.PaymentRef)
	}
	if payment.Status != PaymentStatusCreated {
		test.Fatalf("expected created status, got %s", payment.Status)
	}
	stored, err := store.GetPendingPayment(context.Background(), "pay_abc")
	if err != nil {
		test.Fatalf("lookup pending: %v", err)
	}
	if stored.CreditsRequested != 5 || stored.AccountID != "buyer-1" {
		test.Fatalf("unexpected stored payment: %+v", stored)
	}
}

func TestConfirmGrantsCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_abc"))
	accountID := mustAccountID(test, "buyer-2")
	ctx := context.Background()

	if _, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 5)); err != nil {
		test.Fatalf("create pending: %v", err)
	}

	result, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_abc"))
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if result.AlreadyApplied {
		test.Fatal("first confirm must not report already applied")
	}
	if result.CreditsGranted != 5 || result.NewBalance != 7 {
		test.Fatalf("unexpected confirm result: %+v", result)
	}

	payment, err := store.GetPendingPayment(ctx, "pay_abc")
	if err != nil {
		test.Fatalf("lookup pending: %v", err)
	}
	if payment.Status != PaymentStatusConfirmed {
		test.Fatalf("expected confirmed status, got %s", payment.Status)
	}
}

func TestConfirmReplayIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_abc"))
	accountID := mustAccountID(test, "buyer-3")
	ctx := context.Background()

	if _, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 5)); err != nil {
		test.Fatalf("create pending: %v", err)
	}
	if _, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_abc")); err != nil {
		test.Fatalf("first confirm: %v", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		result, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_abc"))
		if err != nil {
			test.Fatalf("replay confirm %d: %v", attempt, err)
		}
		if !result.AlreadyApplied {
			test.Fatalf("replay %d must report already applied", attempt)
		}
		if result.NewBalance != 7 {
			test.Fatalf("replay %d returned balance %d, want 7", attempt, result.NewBalance)
		}
	}

	var purchaseEntries int
	for _, entry := range store.entriesForAccount("buyer-3") {
		if entry.Reason == ReasonPurchase {
			purchaseEntries++
		}
	}
	if purchaseEntries != 1 {
		test.Fatalf("expected exactly one purchase entry, got %d", purchaseEntries)
	}
}

func TestConfirmUnknownPayment(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store)

	_, err := reconciler.Confirm(context.Background(), mustPaymentRef(test, "pay_missing"))
	if !errors.Is(err, ErrUnknownPayment) {
		test.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}

func TestConfirmAfterExpiryStillGrants(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 0)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_late"))
	accountID := mustAccountID(test, "buyer-4")
	ctx := context.Background()

	if _, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 3)); err != nil {
		test.Fatalf("create pending: %v", err)
	}
	expired, err := reconciler.ExpirePending(ctx, 1700000001)
	if err != nil {
		test.Fatalf("expire pending: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected 1 expired payment, got %d", expired)
	}

	// The processor said the money moved; the stale status row must not
	// block the grant.
	result, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_late"))
	if err != nil {
		test.Fatalf("confirm after expiry: %v", err)
	}
	if result.AlreadyApplied || result.NewBalance != 3 {
		test.Fatalf("unexpected confirm result: %+v", result)
	}
}

func TestExpirePendingNeverTouchesBalances(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_stale"))
	accountID := mustAccountID(test, "buyer-5")
	ctx := context.Background()

	if _, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 100)); err != nil {
		test.Fatalf("create pending: %v", err)
	}
	if _, err := reconciler.ExpirePending(ctx, 1700000001); err != nil {
		test.Fatalf("expire pending: %v", err)
	}
	if balance := store.mustBalance(test, "buyer-5"); balance != 2 {
		test.Fatalf("expiry must not move balances, got %d", balance)
	}
	if entries := store.entriesForAccount("buyer-5"); len(entries) != 0 {
		test.Fatalf("expiry must not write ledger entries, got %d", len(entries))
	}
}

// Scenario from the product flow: signup grant 2, consume 1, buy 5 via
// pay_abc, confirm twice.
func TestPurchaseLifecycleScenario(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 2)
	reconciler := mustNewReconciler(test, service, store, staticRefGenerator("pay_abc"))
	accountID := mustAccountID(test, "scenario-user")
	ctx := context.Background()

	balance, err := service.Debit(ctx, accountID, mustCreditAmount(test, 1), ReasonConsumption, "")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance != 1 {
		test.Fatalf("expected balance 1, got %d", balance)
	}

	payment, err := reconciler.CreatePending(ctx, accountID, mustCreditAmount(test, 5))
	if err != nil {
		test.Fatalf("create pending: %v", err)
	}
	if payment.Status != PaymentStatusCreated {
		test.Fatalf("expected created, got %s", payment.Status)
	}

	first, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_abc"))
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if first.AlreadyApplied || first.NewBalance != 6 {
		test.Fatalf("unexpected first confirm: %+v", first)
	}

	second, err := reconciler.Confirm(ctx, mustPaymentRef(test, "pay_abc"))
	if err != nil {
		test.Fatalf("second confirm: %v", err)
	}
	if !second.AlreadyApplied || second.NewBalance != 6 {
		test.Fatalf("unexpected second confirm: %+v", second)
	}

	if _, err := service.Debit(ctx, accountID, mustCreditAmount(test, 10), ReasonConsumption, ""); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance := store.mustBalance(test, "scenario-user"); balance != 6 {
		test.Fatalf("expected final balance 6, got %d", balance)
	}
}

package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with transactional rollback, the unique
// (reason, external_ref) constraint, and conditional balance updates, so
// service tests exercise the same contract the real stores honor.
type stubStore struct {
	mu    sync.Mutex
	state stubState

	insertEntryErr error
	getBalanceErr  error
}

type stubState struct {
	accounts map[string]Account
	entries  []Entry
	payments map[string]PendingPayment
	entrySeq int
}

func newStubStore() *stubStore {
	return &stubStore{
		state: stubState{
			accounts: map[string]Account{},
			payments: map[string]PendingPayment{},
		},
	}
}

func (state stubState) clone() stubState {
	cloned := stubState{
		accounts: make(map[string]Account, len(state.accounts)),
		entries:  append([]Entry(nil), state.entries...),
		payments: make(map[string]PendingPayment, len(state.payments)),
		entrySeq: state.entrySeq,
	}
	for key, value := range state.accounts {
		cloned.accounts[key] = value
	}
	for key, value := range state.payments {
		cloned.payments[key] = value
	}
	return cloned
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, accountID string, signupGrant int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getOrCreateAccount(accountID, signupGrant)
}

func (store *stubStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getBalanceErr != nil {
		return 0, store.getBalanceErr
	}
	return store.state.getBalance(accountID)
}

func (store *stubStore) DecrementBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.decrementBalance(accountID, amount)
}

func (store *stubStore) IncrementBalance(ctx context.Context, accountID string, amount int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.incrementBalance(accountID, amount)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertEntryErr != nil {
		return store.insertEntryErr
	}
	return store.state.insertEntry(entry)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listEntries(accountID, beforeUnixUTC, limit)
}

func (store *stubStore) CreatePendingPayment(ctx context.Context, payment PendingPayment) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createPendingPayment(payment)
}

func (store *stubStore) GetPendingPayment(ctx context.Context, paymentRef string) (PendingPayment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getPendingPayment(paymentRef)
}

func (store *stubStore) UpdatePendingPaymentStatus(ctx context.Context, paymentRef string, from, to PaymentStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.updatePendingPaymentStatus(paymentRef, from, to)
}

func (store *stubStore) ExpirePendingPayments(ctx context.Context, olderThanUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.expirePendingPayments(olderThanUnixUTC)
}

// stubTx runs inside a WithTx closure while the store mutex is held.
type stubTx struct {
	store *stubStore
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetOrCreateAccount(ctx context.Context, accountID string, signupGrant int64) (Account, error) {
	return tx.store.state.getOrCreateAccount(accountID, signupGrant)
}

func (tx *stubTx) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if tx.store.getBalanceErr != nil {
		return 0, tx.store.getBalanceErr
	}
	return tx.store.state.getBalance(accountID)
}

func (tx *stubTx) DecrementBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	return tx.store.state.decrementBalance(accountID, amount)
}

func (tx *stubTx) IncrementBalance(ctx context.Context, accountID string, amount int64) error {
	return tx.store.state.incrementBalance(accountID, amount)
}

func (tx *stubTx) InsertEntry(ctx context.Context, entry Entry) error {
	if tx.store.insertEntryErr != nil {
		return tx.store.insertEntryErr
	}
	return tx.store.state.insertEntry(entry)
}

func (tx *stubTx) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return tx.store.state.listEntries(accountID, beforeUnixUTC, limit)
}

func (tx *stubTx) CreatePendingPayment(ctx context.Context, payment PendingPayment) error {
	return tx.store.state.createPendingPayment(payment)
}

func (tx *stubTx) GetPendingPayment(ctx context.Context, paymentRef string) (PendingPayment, error) {
	return tx.store.state.getPendingPayment(paymentRef)
}

func (tx *stubTx) UpdatePendingPaymentStatus(ctx context.Context, paymentRef string, from, to PaymentStatus) error {
	return tx.store.state.updatePendingPaymentStatus(paymentRef, from, to)
}

func (tx *stubTx) ExpirePendingPayments(ctx context.Context, olderThanUnixUTC int64) (int64, error) {
	return tx.store.state.expirePendingPayments(olderThanUnixUTC)
}

func (state *stubState) getOrCreateAccount(accountID string, signupGrant int64) (Account, error) {
	if account, ok := state.accounts[accountID]; ok {
		return account, nil
	}
	account := Account{AccountID: accountID, Balance: signupGrant}
	state.accounts[accountID] = account
	return account, nil
}

func (state *stubState) getBalance(accountID string) (int64, error) {
	account, ok := state.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("unknown account %q", accountID)
	}
	return account.Balance, nil
}

func (state *stubState) decrementBalance(accountID string, amount int64) (bool, error) {
	account, ok := state.accounts[accountID]
	if !ok || account.Balance < amount {
		return false, nil
	}
	account.Balance -= amount
	state.accounts[accountID] = account
	return true, nil
}

func (state *stubState) incrementBalance(accountID string, amount int64) error {
	account, ok := state.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}
	account.Balance += amount
	state.accounts[accountID] = account
	return nil
}

func (state *stubState) insertEntry(entry Entry) error {
	if entry.ExternalRef != "" {
		for _, existing := range state.entries {
			if existing.Reason == entry.Reason && existing.ExternalRef == entry.ExternalRef {
				return ErrDuplicateExternalRef
			}
		}
	}
	state.entrySeq++
	entry.EntryID = fmt.Sprintf("entry-%d", state.entrySeq)
	state.entries = append(state.entries, entry)
	return nil
}

func (state *stubState) listEntries(accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var entries []Entry
	for index := len(state.entries) - 1; index >= 0; index-- {
		entry := state.entries[index]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (state *stubState) createPendingPayment(payment PendingPayment) error {
	if _, ok := state.payments[payment.PaymentRef]; ok {
		return ErrPaymentExists
	}
	state.payments[payment.PaymentRef] = payment
	return nil
}

func (state *stubState) getPendingPayment(paymentRef string) (PendingPayment, error) {
	payment, ok := state.payments[paymentRef]
	if !ok {
		return PendingPayment{}, ErrUnknownPayment
	}
	return payment, nil
}

func (state *stubState) updatePendingPaymentStatus(paymentRef string, from, to PaymentStatus) error {
	payment, ok := state.payments[paymentRef]
	if !ok || payment.Status != from {
		return ErrPaymentClosed
	}
	payment.Status = to
	state.payments[paymentRef] = payment
	return nil
}

func (state *stubState) expirePendingPayments(olderThanUnixUTC int64) (int64, error) {
	var expired int64
	for ref, payment := range state.payments {
		if payment.Status == PaymentStatusCreated && payment.CreatedUnixUTC < olderThanUnixUTC {
			payment.Status = PaymentStatusExpired
			state.payments[ref] = payment
			expired++
		}
	}
	return expired, nil
}

func (store *stubStore) entriesForAccount(accountID string) []Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.AccountID == accountID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (store *stubStore) mustBalance(test *testing.T, accountID string) int64 {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance lookup: %v", err)
	}
	return balance
}

// deltaSum is the reconciliation check: balance must equal
// signupGrant + sum of committed deltas at all times.
func (store *stubStore) deltaSum(accountID string) int64 {
	var sum int64
	for _, entry := range store.entriesForAccount(accountID) {
		sum += entry.Delta
	}
	return sum
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return amount
}

func mustPaymentRef(test *testing.T, raw string) PaymentRef {
	test.Helper()
	paymentRef, err := NewPaymentRef(raw)
	if err != nil {
		test.Fatalf("payment ref: %v", err)
	}
	return paymentRef
}

func mustNewService(test *testing.T, store Store, signupGrant int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, signupGrant, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewReconciler(test *testing.T, service *Service, store Store, options ...ReconcilerOption) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(service, store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

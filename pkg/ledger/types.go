package ledger

import (
	"context"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive number of credits.
type CreditAmount int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// PaymentRef identifies a pending payment across the purchase flow.
type PaymentRef struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewPaymentRef validates and normalizes a payment reference.
func NewPaymentRef(raw string) (PaymentRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentRef{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentRef)
	}
	return PaymentRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref PaymentRef) String() string {
	return ref.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// EntryReason enumerates ledger entry reasons.
type EntryReason string

const (
	ReasonSignupGrant EntryReason = "signup_grant"
	ReasonPurchase    EntryReason = "purchase"
	ReasonConsumption EntryReason = "consumption"
	ReasonRefund      EntryReason = "refund"
)

// ParseEntryReason validates a raw reason string.
func ParseEntryReason(raw string) (EntryReason, error) {
	switch EntryReason(raw) {
	case ReasonSignupGrant, ReasonPurchase, ReasonConsumption, ReasonRefund:
		return EntryReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryReason, raw)
}

// String returns the stored reason value.
func (reason EntryReason) String() string {
	return string(reason)
}

// PaymentStatus defines the pending payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "created"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// ParsePaymentStatus validates a raw status string.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(raw) {
	case PaymentStatusCreated, PaymentStatusConfirmed, PaymentStatusExpired:
		return PaymentStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
}

// String returns the stored status value.
func (status PaymentStatus) String() string {
	return string(status)
}

// Account is the balance-bearing row for one account id.
// The balance column is materialized; the ledger is its audit trail:
// balance == signup_grant + sum(delta) over all committed entries.
type Account struct {
	AccountID      string
	Balance        int64
	CreatedUnixUTC int64
}

// A single immutable line in the ledger. Delta is positive for credits
// and negative for debits.
type Entry struct {
	EntryID        string
	AccountID      string
	Delta          int64
	Reason         EntryReason
	ExternalRef    string
	CreatedUnixUTC int64
}

// PendingPayment tracks a purchase awaiting external confirmation.
type PendingPayment struct {
	PaymentRef       string
	AccountID        string
	CreditsRequested int64
	Status           PaymentStatus
	CreatedUnixUTC   int64
}

// CreditResult reports the outcome of a credit operation.
// AlreadyApplied marks an idempotent replay: the matching purchase entry
// already existed and the balance was left untouched.
type CreditResult struct {
	NewBalance     int64
	AlreadyApplied bool
}

// ConfirmResult reports the outcome of a payment confirmation.
type ConfirmResult struct {
	CreditsGranted int64
	NewBalance     int64
	AlreadyApplied bool
}

// Store is the persistence contract used by Service and Reconciler.
// Balance mutations are single conditional statements; no implementation
// may compose them from an unlocked read followed by a write.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID string, signupGrant int64) (Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	// DecrementBalance subtracts amount only when balance >= amount and
	// reports whether a row was updated.
	DecrementBalance(ctx context.Context, accountID string, amount int64) (bool, error)
	IncrementBalance(ctx context.Context, accountID string, amount int64) error
	// InsertEntry returns ErrDuplicateExternalRef when the store's unique
	// constraint on (reason, external_ref) rejects the row.
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	CreatePendingPayment(ctx context.Context, payment PendingPayment) error
	GetPendingPayment(ctx context.Context, paymentRef string) (PendingPayment, error)
	// UpdatePendingPaymentStatus transitions from one status to another and
	// returns ErrPaymentClosed when no row matched the expected status.
	UpdatePendingPaymentStatus(ctx context.Context, paymentRef string, from, to PaymentStatus) error
	ExpirePendingPayments(ctx context.Context, olderThanUnixUTC int64) (int64, error)
}

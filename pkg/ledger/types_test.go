package ledger

import (
	"errors"
	"testing"
)

func TestNewAccountIDTrimsWhitespace(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  user-42  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "user-42" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewAccountIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestNewPaymentRefRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewPaymentRef(""); !errors.Is(err, ErrInvalidPaymentRef) {
		test.Fatalf("expected ErrInvalidPaymentRef, got %v", err)
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrInvalidCreditAmount) {
			test.Fatalf("expected ErrInvalidCreditAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewCreditAmount(5)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	if amount.Int64() != 5 {
		test.Fatalf("expected 5, got %d", amount.Int64())
	}
}

func TestParseEntryReason(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"signup_grant", "purchase", "consumption", "refund"} {
		reason, err := ParseEntryReason(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if reason.String() != raw {
			test.Fatalf("expected %q, got %q", raw, reason.String())
		}
	}
	if _, err := ParseEntryReason("chargeback"); !errors.Is(err, ErrInvalidEntryReason) {
		test.Fatalf("expected ErrInvalidEntryReason, got %v", err)
	}
}

func TestParsePaymentStatus(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"created", "confirmed", "expired"} {
		status, err := ParsePaymentStatus(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			test.Fatalf("expected %q, got %q", raw, status.String())
		}
	}
	if _, err := ParsePaymentStatus("refunded"); !errors.Is(err, ErrInvalidPaymentStatus) {
		test.Fatalf("expected ErrInvalidPaymentStatus, got %v", err)
	}
}

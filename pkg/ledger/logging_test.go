package ledger

import (
	"context"
	"testing"
)

type captureLogger struct {
	entries []OperationLog
}

func (logger *captureLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestDebitEmitsOperationLog(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	logger := &captureLogger{}
	service := mustNewService(test, store, 5, WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-user")

	if _, err := service.Debit(context.Background(), accountID, mustCreditAmount(test, 2), ReasonConsumption, ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationDebit || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Amount != 2 || entry.Reason != ReasonConsumption {
		test.Fatalf("unexpected log payload: %+v", entry)
	}
}

func TestReplayCreditLogsReplayStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	logger := &captureLogger{}
	service := mustNewService(test, store, 0, WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-replay")
	ctx := context.Background()

	if _, err := service.Credit(ctx, accountID, mustCreditAmount(test, 5), ReasonPurchase, "pay_log"); err != nil {
		test.Fatalf("first credit: %v", err)
	}
	if _, err := service.Credit(ctx, accountID, mustCreditAmount(test, 5), ReasonPurchase, "pay_log"); err != nil {
		test.Fatalf("replay credit: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[1].Status != operationStatusReplay {
		test.Fatalf("expected replay status, got %s", logger.entries[1].Status)
	}
}

func TestFailedDebitLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	logger := &captureLogger{}
	service := mustNewService(test, store, 1, WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-fail")

	if _, err := service.Debit(context.Background(), accountID, mustCreditAmount(test, 9), ReasonConsumption, ""); err == nil {
		test.Fatal("expected debit failure")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error status with error, got %+v", logger.entries[0])
	}
}

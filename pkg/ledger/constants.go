package ledger

const (
	operationBalance       = "balance"
	operationDebit         = "debit"
	operationCredit        = "credit"
	operationCreatePending = "create_pending"
	operationConfirm       = "confirm"

	operationStatusOK     = "ok"
	operationStatusReplay = "replay"
	operationStatusError  = "error"

	paymentRefPrefix = "pay_"
)

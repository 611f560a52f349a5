// Package pgstore is a pgx-native implementation of the ledger and
// document stores for deployments that talk to PostgreSQL without an ORM.
package pgstore

import (
	"context"
	"errors"

	"github.com/cvbien/backend/internal/docs"
	"github.com/cvbien/backend/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintReasonExternalRef = "uniq_entries_reason_external_ref"
	constraintPendingPrimary    = "pending_payments_pkey"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectPayment         = "payment"
	errorSubjectDocument        = "document"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDecrement          = "decrement"
	errorCodeDuplicate          = "duplicate"
	errorCodeExpire             = "expire"
	errorCodeGet                = "get"
	errorCodeIncrement          = "increment"
	errorCodeInsert             = "insert"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeMigrate            = "migrate"
	errorCodeUpdateStatus       = "update_status"

	sqlSchema = `
		create table if not exists accounts(
			account_id text primary key,
			balance bigint not null check (balance >= 0),
			created_at timestamptz not null default now()
		);
		create table if not exists ledger_entries(
			entry_id uuid primary key default gen_random_uuid(),
			account_id text not null,
			delta bigint not null,
			reason text not null,
			external_ref text,
			created_at timestamptz not null default now()
		);
		create unique index if not exists uniq_entries_reason_external_ref
			on ledger_entries(reason, external_ref);
		create index if not exists idx_entries_account_created
			on ledger_entries(account_id, created_at);
		create table if not exists pending_payments(
			payment_ref text primary key,
			account_id text not null,
			credits_requested bigint not null,
			status text not null,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_pending_payments_account
			on pending_payments(account_id);
		create table if not exists documents(
			document_id uuid primary key default gen_random_uuid(),
			account_id text not null,
			title text not null,
			original_text text not null default '',
			job_description text not null default '',
			optimized_text text not null default '',
			ats_score int not null default 0,
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_documents_account_created
			on documents(account_id, created_at);
	`

	sqlInsertAccount = `
		insert into accounts(account_id, balance) values($1, $2)
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance, extract(epoch from created_at)::bigint
		from accounts where account_id = $1
	`

	sqlSelectBalance = `select balance from accounts where account_id = $1`

	sqlDecrementBalance = `
		update accounts set balance = balance - $2
		where account_id = $1 and balance >= $2
	`

	sqlIncrementBalance = `
		update accounts set balance = balance + $2 where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(account_id, delta, reason, external_ref, created_at)
		values($1, $2, $3, nullif($4, ''), to_timestamp($5))
	`

	sqlListEntries = `
		select entry_id, account_id, delta, reason, coalesce(external_ref, ''),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertPendingPayment = `
		insert into pending_payments(payment_ref, account_id, credits_requested, status, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlSelectPendingPayment = `
		select payment_ref, account_id, credits_requested, status,
			extract(epoch from created_at)::bigint
		from pending_payments where payment_ref = $1
	`

	sqlUpdatePendingStatus = `
		update pending_payments set status = $3
		where payment_ref = $1 and status = $2
	`

	sqlExpirePendingPayments = `
		update pending_payments set status = 'expired'
		where status = 'created' and created_at < to_timestamp($1)
	`

	sqlInsertDocument = `
		insert into documents(account_id, title, original_text, job_description, optimized_text, ats_score, metadata)
		values($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb)
		returning document_id, extract(epoch from created_at)::bigint
	`

	sqlSelectDocument = `
		select document_id, account_id, title, original_text, job_description,
			optimized_text, ats_score, metadata::text,
			extract(epoch from created_at)::bigint
		from documents where account_id = $1 and document_id = $2
	`

	sqlListDocuments = `
		select document_id, account_id, title, original_text, job_description,
			optimized_text, ats_score, metadata::text,
			extract(epoch from created_at)::bigint
		from documents where account_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store and docs.Store over a pgx pool; inside
// WithTx all statements run on the transaction instead.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the schema. Idempotent.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string, signupGrant int64) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID, signupGrant); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var account ledger.Account
	err := store.db.QueryRow(ctx, sqlSelectAccount, accountID).Scan(
		&account.AccountID,
		&account.Balance,
		&account.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrInvalidAccountID)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) DecrementBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlDecrementBalance, accountID, amount)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) IncrementBalance(ctx context.Context, accountID string, amount int64) error {
	tag, err := store.db.Exec(ctx, sqlIncrementBalance, accountID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.Delta,
		entry.Reason.String(),
		entry.ExternalRef,
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintReasonExternalRef) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, accountID, beforeOrNow(beforeUnixUTC), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		var reasonValue string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.AccountID,
			&entry.Delta,
			&reasonValue,
			&entry.ExternalRef,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		reason, err := ledger.ParseEntryReason(reasonValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Reason = reason
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	_, err := store.db.Exec(ctx, sqlInsertPendingPayment,
		payment.PaymentRef,
		payment.AccountID,
		payment.CreditsRequested,
		payment.Status.String(),
		payment.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintPendingPrimary) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPendingPayment(ctx context.Context, paymentRef string) (ledger.PendingPayment, error) {
	var payment ledger.PendingPayment
	var statusValue string
	err := store.db.QueryRow(ctx, sqlSelectPendingPayment, paymentRef).Scan(
		&payment.PaymentRef,
		&payment.AccountID,
		&payment.CreditsRequested,
		&statusValue,
		&payment.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrUnknownPayment)
		}
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	status, err := ledger.ParsePaymentStatus(statusValue)
	if err != nil {
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment.Status = status
	return payment, nil
}

func (store *Store) UpdatePendingPaymentStatus(ctx context.Context, paymentRef string, from, to ledger.PaymentStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePendingStatus, paymentRef, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, ledger.ErrPaymentClosed)
	}
	return nil
}

func (store *Store) ExpirePendingPayments(ctx context.Context, olderThanUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlExpirePendingPayments, olderThanUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPayment, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) InsertDocument(ctx context.Context, document docs.Document) (docs.Document, error) {
	err := store.db.QueryRow(ctx, sqlInsertDocument,
		document.AccountID,
		document.Title,
		document.OriginalText,
		document.JobDescription,
		document.OptimizedText,
		document.ATSScore,
		document.MetadataJSON,
	).Scan(&document.DocumentID, &document.CreatedUnixUTC)
	if err != nil {
		return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeInsert, err)
	}
	return document, nil
}

func (store *Store) GetDocument(ctx context.Context, accountID string, documentID string) (docs.Document, error) {
	var document docs.Document
	err := store.db.QueryRow(ctx, sqlSelectDocument, accountID, documentID).Scan(
		&document.DocumentID,
		&document.AccountID,
		&document.Title,
		&document.OriginalText,
		&document.JobDescription,
		&document.OptimizedText,
		&document.ATSScore,
		&document.MetadataJSON,
		&document.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, docs.ErrUnknownDocument)
		}
		return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, err)
	}
	return document, nil
}

func (store *Store) ListDocuments(ctx context.Context, accountID string, limit int) ([]docs.Document, error) {
	rows, err := store.db.Query(ctx, sqlListDocuments, accountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	defer rows.Close()

	var documents []docs.Document
	for rows.Next() {
		var document docs.Document
		if err := rows.Scan(
			&document.DocumentID,
			&document.AccountID,
			&document.Title,
			&document.OriginalText,
			&document.JobDescription,
			&document.OptimizedText,
			&document.ATSScore,
			&document.MetadataJSON,
			&document.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
		}
		documents = append(documents, document)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	return documents, nil
}

func beforeOrNow(beforeUnixUTC int64) int64 {
	if beforeUnixUTC == 0 {
		// No cutoff: use the end of the timestamp range (9999-12-31).
		return 253402300799
	}
	return beforeUnixUTC
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}

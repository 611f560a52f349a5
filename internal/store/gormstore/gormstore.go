package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/cvbien/backend/internal/docs"
	"github.com/cvbien/backend/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintReasonExternalRef = "uniq_entries_reason_external_ref"
	constraintPendingPrimary    = "pending_payments_pkey"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectPayment         = "payment"
	errorSubjectDocument        = "document"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeDecrement          = "decrement"
	errorCodeIncrement          = "increment"
	errorCodeExpire             = "expire"
	errorCodeUpdateStatus       = "update_status"
)

// Store implements ledger.Store and docs.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for every table this store owns.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &PendingPayment{}, &Document{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string, signupGrant int64) (ledger.Account, error) {
	account := Account{AccountID: accountID, Balance: signupGrant}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&account, Account{AccountID: accountID}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	// Re-read so a concurrent first-touch insert cannot hand back stale
	// in-memory values.
	var row Account
	if err := store.db.WithContext(ctx).Take(&row, "account_id = ?", accountID).Error; err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		AccountID:      row.AccountID,
		Balance:        row.Balance,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var row Account
	err := store.db.WithContext(ctx).Take(&row, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrInvalidAccountID)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Balance, nil
}

// DecrementBalance is the non-negativity guard: a single conditional update
// whose predicate carries the balance check, judged by rows affected.
func (store *Store) DecrementBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) IncrementBalance(ctx context.Context, accountID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	var externalRef *string
	if entry.ExternalRef != "" {
		value := entry.ExternalRef
		externalRef = &value
	}
	row := LedgerEntry{
		EntryID:     entry.EntryID,
		AccountID:   entry.AccountID,
		Delta:       entry.Delta,
		Reason:      entry.Reason.String(),
		ExternalRef: externalRef,
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isExternalRefConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		reason, err := ledger.ParseEntryReason(row.Reason)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		externalRef := ""
		if row.ExternalRef != nil {
			externalRef = *row.ExternalRef
		}
		entries = append(entries, ledger.Entry{
			EntryID:        row.EntryID,
			AccountID:      row.AccountID,
			Delta:          row.Delta,
			Reason:         reason,
			ExternalRef:    externalRef,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func (store *Store) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	row := PendingPayment{
		PaymentRef:       payment.PaymentRef,
		AccountID:        payment.AccountID,
		CreditsRequested: payment.CreditsRequested,
		Status:           payment.Status.String(),
		CreatedAt:        time.Unix(payment.CreatedUnixUTC, 0).UTC(),
	}
	if payment.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isPendingPaymentConflict(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPendingPayment(ctx context.Context, paymentRef string) (ledger.PendingPayment, error) {
	var row PendingPayment
	err := store.db.WithContext(ctx).Take(&row, "payment_ref = ?", paymentRef).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrUnknownPayment)
		}
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	status, err := ledger.ParsePaymentStatus(row.Status)
	if err != nil {
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return ledger.PendingPayment{
		PaymentRef:       row.PaymentRef,
		AccountID:        row.AccountID,
		CreditsRequested: row.CreditsRequested,
		Status:           status,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func (store *Store) UpdatePendingPaymentStatus(ctx context.Context, paymentRef string, from, to ledger.PaymentStatus) error {
	result := store.db.WithContext(ctx).
		Model(&PendingPayment{}).
		Where("payment_ref = ? AND status = ?", paymentRef, from.String()).
		UpdateColumn("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, ledger.ErrPaymentClosed)
	}
	return nil
}

func (store *Store) ExpirePendingPayments(ctx context.Context, olderThanUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&PendingPayment{}).
		Where("status = ? AND created_at < ?", ledger.PaymentStatusCreated.String(), time.Unix(olderThanUnixUTC, 0).UTC()).
		UpdateColumn("status", ledger.PaymentStatusExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPayment, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertDocument(ctx context.Context, document docs.Document) (docs.Document, error) {
	row := Document{
		DocumentID:     document.DocumentID,
		AccountID:      document.AccountID,
		Title:          document.Title,
		OriginalText:   document.OriginalText,
		JobDescription: document.JobDescription,
		OptimizedText:  document.OptimizedText,
		ATSScore:       document.ATSScore,
		Metadata:       datatypesJSON(document.MetadataJSON),
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeInsert, err)
	}
	return mapDocument(row), nil
}

func (store *Store) GetDocument(ctx context.Context, accountID string, documentID string) (docs.Document, error) {
	var row Document
	err := store.db.WithContext(ctx).
		Take(&row, "account_id = ? AND document_id = ?", accountID, documentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, docs.ErrUnknownDocument)
		}
		return docs.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, err)
	}
	return mapDocument(row), nil
}

func (store *Store) ListDocuments(ctx context.Context, accountID string, limit int) ([]docs.Document, error) {
	var rows []Document
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	documents := make([]docs.Document, 0, len(rows))
	for _, row := range rows {
		documents = append(documents, mapDocument(row))
	}
	return documents, nil
}

func mapDocument(row Document) docs.Document {
	return docs.Document{
		DocumentID:     row.DocumentID,
		AccountID:      row.AccountID,
		Title:          row.Title,
		OriginalText:   row.OriginalText,
		JobDescription: row.JobDescription,
		OptimizedText:  row.OptimizedText,
		ATSScore:       row.ATSScore,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isExternalRefConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReasonExternalRef
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isPendingPaymentConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPendingPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

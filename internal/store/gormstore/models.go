package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is materialized and only
// ever moved by conditional updates.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;check:balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table. The composite
// unique index on (reason, external_ref) is the idempotency mechanism for
// purchase grants; rows with a null external_ref never collide.
type LedgerEntry struct {
	EntryID     string    `gorm:"type:uuid;primaryKey"`
	AccountID   string    `gorm:"not null;index:idx_entries_account_created,priority:1"`
	Delta       int64     `gorm:"not null"`
	Reason      string    `gorm:"not null;index:uniq_entries_reason_external_ref,unique,priority:1"`
	ExternalRef *string   `gorm:"index:uniq_entries_reason_external_ref,unique,priority:2"`
	CreatedAt   time.Time `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PendingPayment mirrors the pending_payments table.
type PendingPayment struct {
	PaymentRef       string    `gorm:"primaryKey"`
	AccountID        string    `gorm:"not null;index"`
	CreditsRequested int64     `gorm:"not null"`
	Status           string    `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (PendingPayment) TableName() string { return "pending_payments" }

// Document mirrors the documents table of generated CVs.
type Document struct {
	DocumentID     string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_documents_account_created,priority:1"`
	Title          string         `gorm:"not null"`
	OriginalText   string         `gorm:""`
	JobDescription string         `gorm:""`
	OptimizedText  string         `gorm:""`
	ATSScore       int            `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_documents_account_created,priority:2"`
}

func (Document) TableName() string { return "documents" }

func (document *Document) BeforeCreate(tx *gorm.DB) error {
	if document.DocumentID == "" {
		document.DocumentID = uuid.NewString()
	}
	return nil
}

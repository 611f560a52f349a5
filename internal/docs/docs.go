// Package docs holds generated CV documents and their persistence contract.
package docs

import (
	"context"
	"errors"
)

// ErrUnknownDocument marks a lookup for a document id the store never saw
// (or one owned by a different account).
var ErrUnknownDocument = errors.New("unknown document")

// Document is one generated CV: the uploaded text, the target job
// description, and the rewritten output.
type Document struct {
	DocumentID     string
	AccountID      string
	Title          string
	OriginalText   string
	JobDescription string
	OptimizedText  string
	ATSScore       int
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract for generated documents.
type Store interface {
	InsertDocument(ctx context.Context, document Document) (Document, error)
	GetDocument(ctx context.Context, accountID string, documentID string) (Document, error)
	ListDocuments(ctx context.Context, accountID string, limit int) ([]Document, error)
}

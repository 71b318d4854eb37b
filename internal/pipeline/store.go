package pipeline

import (
	"context"
	"time"

	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/invoice"
)

// Origin locates the stored file a record was extracted from, so the record
// can be reprocessed later
type Origin struct {
	BlobPath    string `json:"blob_path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// InvoiceRecord is a persisted extraction result
type InvoiceRecord struct {
	ID          string               `json:"id"`
	OwnerID     string               `json:"owner_id"`
	Fingerprint document.Fingerprint `json:"fingerprint"`
	Invoice     invoice.Normalized   `json:"invoice"`
	Origin      Origin               `json:"origin"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// TaskStore persists tasks so queued work survives restarts
type TaskStore interface {
	// CreateTask stores a new task
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by handle
	GetTask(ctx context.Context, id Handle) (*Task, error)

	// UpdateTask applies fn to the stored task atomically and stores the result.
	// Nothing is written when fn returns an error.
	UpdateTask(ctx context.Context, id Handle, fn func(*Task) error) (*Task, error)

	// ListPendingTasks returns every task not yet in a terminal state
	ListPendingTasks(ctx context.Context) ([]*Task, error)

	// ClaimIdempotencyKey binds key to id unless a live task already holds it,
	// and returns the holder afterwards
	ClaimIdempotencyKey(ctx context.Context, key string, id Handle) (Handle, error)
}

// InvoiceStore persists extraction results
type InvoiceStore interface {
	// UpsertInvoice stores inv as the single record for (fp, ownerID) and returns its ref
	UpsertInvoice(ctx context.Context, inv *invoice.Normalized, fp document.Fingerprint, ownerID string, origin Origin) (string, error)

	// GetInvoice retrieves a record by ref
	GetInvoice(ctx context.Context, ref string) (*InvoiceRecord, error)

	// ListInvoices returns all records of one owner
	ListInvoices(ctx context.Context, ownerID string) ([]*InvoiceRecord, error)
}

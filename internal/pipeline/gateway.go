package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/document"
)

// Enqueuer accepts task handles for processing
type Enqueuer interface {
	Enqueue(ctx context.Context, id Handle) error
}

// Gateway is the single entry point for documents from every intake path
type Gateway struct {
	tracker     *Tracker
	blobs       blob.Store
	invoices    InvoiceStore
	queue       Enqueuer
	idGenerator IDGenerator
}

// NewGateway creates a Gateway with a uuid-based ID generator
func NewGateway(tracker *Tracker, blobs blob.Store, invoices InvoiceStore, queue Enqueuer) *Gateway {
	return NewGatewayWithDeps(tracker, blobs, invoices, queue, uuidGenerator{})
}

// NewGatewayWithDeps creates a Gateway with a custom ID generator for testing
func NewGatewayWithDeps(tracker *Tracker, blobs blob.Store, invoices InvoiceStore, queue Enqueuer, idGen IDGenerator) *Gateway {
	return &Gateway{
		tracker:     tracker,
		blobs:       blobs,
		invoices:    invoices,
		queue:       queue,
		idGenerator: idGen,
	}
}

// Submit validates a document, stores its bytes and queues exactly one task
// for it. No fingerprinting happens here.
func (g *Gateway) Submit(ctx context.Context, doc *document.Document) (Handle, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}

	path, err := g.blobs.Put(ctx, doc.Bytes)
	if err != nil {
		return "", fmt.Errorf("storing document: %w", err)
	}

	task := &Task{
		ID:               Handle(g.idGenerator.Generate()),
		OwnerID:          doc.OwnerID,
		SourceKind:       doc.SourceKind,
		OriginalFilename: document.SanitizeFilename(doc.OriginalFilename),
		ContentType:      doc.ContentType,
		BlobPath:         path,
	}
	if err := g.tracker.Create(ctx, task); err != nil {
		g.discard(ctx, path)
		return "", err
	}
	if closed, err := g.enqueue(ctx, task); err != nil {
		if closed {
			g.discard(ctx, path)
		}
		return "", err
	}

	slog.Info("Document submitted",
		"task_id", task.ID,
		"owner_id", task.OwnerID,
		"source_kind", task.SourceKind,
		"filename", task.OriginalFilename,
		"size", len(doc.Bytes),
	)
	return task.ID, nil
}

// enqueue hands a created task to the queue. A task that cannot be queued is
// failed so Recover never picks it up; closed reports whether that happened.
func (g *Gateway) enqueue(ctx context.Context, task *Task) (closed bool, err error) {
	err = g.queue.Enqueue(ctx, task.ID)
	if err == nil {
		return false, nil
	}
	err = fmt.Errorf("enqueueing task: %w", err)
	if _, failErr := g.tracker.Fail(context.WithoutCancel(ctx), task.ID, ReasonInternal, err.Error()); failErr != nil {
		slog.Error("Failed to close unqueued task", "task_id", task.ID, "error", failErr)
		return false, err
	}
	return true, err
}

func (g *Gateway) discard(ctx context.Context, path string) {
	if err := g.blobs.Delete(context.WithoutCancel(ctx), path); err != nil {
		slog.Warn("Failed to delete stored document", "path", path, "error", err)
	}
}

// GetStatus returns the externally visible status of a task
func (g *Gateway) GetStatus(ctx context.Context, id Handle) (*StatusView, error) {
	task, err := g.tracker.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return task.view(), nil
}

// Reprocess queues a fresh task for the file behind an existing record. The
// task skips the dedup lookup and its result overwrites the same record.
func (g *Gateway) Reprocess(ctx context.Context, recordRef string) (Handle, error) {
	rec, err := g.invoices.GetInvoice(ctx, recordRef)
	if err != nil {
		return "", fmt.Errorf("getting invoice %s: %w", recordRef, err)
	}

	task := &Task{
		ID:               Handle(g.idGenerator.Generate()),
		OwnerID:          rec.OwnerID,
		SourceKind:       document.SourceUpload,
		OriginalFilename: rec.Origin.Filename,
		ContentType:      rec.Origin.ContentType,
		BlobPath:         rec.Origin.BlobPath,
		RecordRef:        rec.ID,
		Reprocess:        true,
	}
	if err := g.tracker.Create(ctx, task); err != nil {
		return "", err
	}
	// The blob belongs to the record and is kept whatever happens to the task.
	if _, err := g.enqueue(ctx, task); err != nil {
		return "", err
	}

	slog.Info("Reprocessing invoice", "task_id", task.ID, "record_ref", rec.ID)
	return task.ID, nil
}

// Cancel flags a pending task. The flag is honored at the start of its next attempt.
func (g *Gateway) Cancel(ctx context.Context, id Handle) (*StatusView, error) {
	task, err := g.tracker.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("Task cancellation requested", "task_id", id)
	return task.view(), nil
}

// Recover re-enqueues every task that had not reached a terminal state
func (g *Gateway) Recover(ctx context.Context) (int, error) {
	tasks, err := g.tracker.store.ListPendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending tasks: %w", err)
	}
	for _, task := range tasks {
		if err := g.queue.Enqueue(ctx, task.ID); err != nil {
			return 0, fmt.Errorf("re-enqueueing task %s: %w", task.ID, err)
		}
	}
	if len(tasks) > 0 {
		slog.Info("Recovered pending tasks", "count", len(tasks))
	}
	return len(tasks), nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/dedup"
	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/email"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
)

// Resolver turns an inbound email into the document it carries
type Resolver interface {
	Resolve(ctx context.Context, p *email.Payload) (*document.Document, error)
}

// Extractor maps a raw recognition result to a normalized invoice
type Extractor interface {
	Extract(raw *ocr.RawResult) *invoice.Normalized
}

// DedupIndex remembers which content already produced a record
type DedupIndex interface {
	Lookup(ctx context.Context, fp document.Fingerprint, ownerID string) (string, error)
	Record(ctx context.Context, fp document.Fingerprint, ownerID, recordRef string) error
}

// Processor runs the stages of one attempt for a task
type Processor struct {
	tracker    *Tracker
	blobs      blob.Store
	resolver   Resolver
	recognizer ocr.Recognizer
	extractor  Extractor
	dedup      DedupIndex
	invoices   InvoiceStore
	bucket     time.Duration
}

// ProcessorConfig holds the collaborators a Processor drives
type ProcessorConfig struct {
	Tracker    *Tracker
	Blobs      blob.Store
	Resolver   Resolver
	Recognizer ocr.Recognizer
	Extractor  Extractor
	Dedup      DedupIndex
	Invoices   InvoiceStore
	// IdempotencyBucket is the width of the intake time window used in the
	// idempotency key
	IdempotencyBucket time.Duration
}

// NewProcessor creates a Processor
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		tracker:    cfg.Tracker,
		blobs:      cfg.Blobs,
		resolver:   cfg.Resolver,
		recognizer: cfg.Recognizer,
		extractor:  cfg.Extractor,
		dedup:      cfg.Dedup,
		invoices:   cfg.Invoices,
		bucket:     cfg.IdempotencyBucket,
	}
}

// Attempt runs one pass over the task's stages. A nil return means the task
// reached Completed or Duplicate, or was already terminal. Errors are left
// to the caller to classify.
func (p *Processor) Attempt(ctx context.Context, id Handle) error {
	task, err := p.tracker.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if task.State.Terminal() {
		return nil
	}
	if task.Cancelled {
		return errCancelled
	}

	// A retried attempt replays every stage but never moves the task backwards.
	state := task.State
	enter := func(to State) error {
		if to.rank() <= state.rank() {
			return nil
		}
		t, err := p.tracker.Advance(ctx, id, to)
		if err != nil {
			return err
		}
		state = t.State
		return nil
	}

	data, err := p.blobs.Get(ctx, task.BlobPath)
	if err != nil {
		return fmt.Errorf("reading stored document: %w", err)
	}
	doc := &document.Document{
		Bytes:            data,
		SourceKind:       task.SourceKind,
		OwnerID:          task.OwnerID,
		OriginalFilename: task.OriginalFilename,
		ContentType:      task.ContentType,
	}

	if task.SourceKind.IsEmail() && !task.Resolved {
		if err := enter(StateResolving); err != nil {
			return err
		}
		doc, task, err = p.resolve(ctx, task, data)
		if err != nil {
			return err
		}
	}
	origin := Origin{BlobPath: task.BlobPath, Filename: task.OriginalFilename, ContentType: task.ContentType}

	fp := document.Compute(doc.Bytes)
	key := IdempotencyKey(task.OwnerID, fp, task.CreatedAt, p.bucket)
	if _, err := p.tracker.Fingerprinted(ctx, id, fp, key); err != nil {
		return err
	}

	if !task.Reprocess && state.rank() < StateRecognizing.rank() {
		done, err := p.checkDuplicate(ctx, task, fp, key)
		if err != nil || done {
			return err
		}
	}

	if err := enter(StateRecognizing); err != nil {
		return err
	}
	raw, err := p.recognizer.Recognize(ctx, doc.Bytes, doc.ContentType)
	if err != nil {
		return fmt.Errorf("recognizing document: %w", err)
	}

	if err := enter(StateParsing); err != nil {
		return err
	}
	inv := p.extractor.Extract(raw)
	inv.SourceFingerprint = string(fp)

	ref, err := p.invoices.UpsertInvoice(ctx, inv, fp, task.OwnerID, origin)
	if err != nil {
		return fmt.Errorf("%w: storing invoice: %v", errPersistence, err)
	}
	if err := p.dedup.Record(ctx, fp, task.OwnerID, ref); err != nil {
		return fmt.Errorf("%w: recording fingerprint: %v", errPersistence, err)
	}

	if _, err := p.tracker.Complete(ctx, id, ref); err != nil {
		return err
	}
	slog.Info("Task completed",
		"task_id", id,
		"record_ref", ref,
		"invoice_type", inv.Type,
		"degraded", inv.Degraded,
		"confidence", inv.Confidence,
	)
	return nil
}

// resolve decodes the stored email and fetches the invoice it points at. The
// resolved file replaces the email as the task's blob, so later attempts skip
// resolution.
func (p *Processor) resolve(ctx context.Context, task *Task, data []byte) (*document.Document, *Task, error) {
	payload, err := email.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", document.ErrInvalidDocument, err)
	}
	if payload.OwnerID == "" {
		payload.OwnerID = task.OwnerID
	}

	doc, err := p.resolver.Resolve(ctx, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving email %s: %w", payload.MessageID, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, nil, err
	}

	path, err := p.blobs.Put(ctx, doc.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("storing resolved document: %w", err)
	}
	resolved, err := p.tracker.Resolved(ctx, task.ID, Origin{
		BlobPath:    path,
		Filename:    document.SanitizeFilename(doc.OriginalFilename),
		ContentType: doc.ContentType,
	})
	if err != nil {
		p.discard(ctx, path)
		return nil, nil, err
	}
	p.discard(ctx, task.BlobPath)
	return doc, resolved, nil
}

// checkDuplicate claims the idempotency key and consults the dedup index.
// It reports true once the task has been marked Duplicate. Content whose key
// holder is still in flight, or never produced a record, is processed again
// and relies on the upsert to keep a single record.
func (p *Processor) checkDuplicate(ctx context.Context, task *Task, fp document.Fingerprint, key string) (bool, error) {
	holder, err := p.tracker.store.ClaimIdempotencyKey(ctx, key, task.ID)
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if holder != task.ID {
		original, err := p.tracker.Get(ctx, holder)
		if err != nil {
			return false, fmt.Errorf("loading task %s holding idempotency key: %w", holder, err)
		}
		if original.State.Terminal() && original.State != StateFailed && original.RecordRef != "" {
			slog.Info("Duplicate submission", "task_id", task.ID, "duplicate_of", holder, "fingerprint", fp.Short())
			return p.duplicate(ctx, task, original.RecordRef, holder)
		}
		slog.Info("Same content in flight", "task_id", task.ID, "holder", holder, "holder_state", original.State, "fingerprint", fp.Short())
	}

	ref, err := p.dedup.Lookup(ctx, fp, task.OwnerID)
	if errors.Is(err, dedup.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	slog.Info("Duplicate content", "task_id", task.ID, "record_ref", ref, "fingerprint", fp.Short())
	return p.duplicate(ctx, task, ref, "")
}

// duplicate finishes a task against an existing record and drops its copy of the content
func (p *Processor) duplicate(ctx context.Context, task *Task, ref string, original Handle) (bool, error) {
	if _, err := p.tracker.Duplicate(ctx, task.ID, ref, original); err != nil {
		return false, err
	}
	p.discard(ctx, task.BlobPath)
	return true, nil
}

func (p *Processor) discard(ctx context.Context, path string) {
	if err := p.blobs.Delete(ctx, path); err != nil {
		slog.Warn("Failed to delete stored document", "path", path, "error", err)
	}
}

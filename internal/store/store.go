package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/dedup"
	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/pipeline"
)

var (
	tasksBucket       = []byte("tasks")
	invoicesBucket    = []byte("invoices")
	invoiceKeysBucket = []byte("invoice_keys")
	dedupBucket       = []byte("dedup")
	idempotencyBucket = []byte("idempotency")
)

// BoltDB persists tasks, invoice records and the dedup index in a single
// bbolt file
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltDB opens the database at path, creating buckets as needed
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{tasksBucket, invoicesBucket, invoiceKeysBucket, dedupBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func ownerKey(fp document.Fingerprint, ownerID string) []byte {
	return []byte(ownerID + "|" + string(fp))
}

func getJSON(bucket *bbolt.Bucket, key []byte, v any) (bool, error) {
	data := bucket.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func putJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return bucket.Put(key, data)
}

// CreateTask stores a new task
func (b *BoltDB) CreateTask(_ context.Context, task *pipeline.Task) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		if bucket.Get([]byte(task.ID)) != nil {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return putJSON(bucket, []byte(task.ID), task)
	})
}

// GetTask retrieves a task by handle
func (b *BoltDB) GetTask(_ context.Context, id pipeline.Handle) (*pipeline.Task, error) {
	var task pipeline.Task
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(tasksBucket), []byte(id), &task)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", pipeline.ErrTaskNotFound, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies fn to the stored task inside one write transaction
func (b *BoltDB) UpdateTask(_ context.Context, id pipeline.Handle, fn func(*pipeline.Task) error) (*pipeline.Task, error) {
	var task pipeline.Task
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		found, err := getJSON(bucket, []byte(id), &task)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", pipeline.ErrTaskNotFound, id)
		}
		if err := fn(&task); err != nil {
			return err
		}
		return putJSON(bucket, []byte(id), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListPendingTasks returns non-terminal tasks, oldest first
func (b *BoltDB) ListPendingTasks(_ context.Context) ([]*pipeline.Task, error) {
	tasks := make([]*pipeline.Task, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var task pipeline.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("unmarshaling task: %w", err)
			}
			if !task.State.Terminal() {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// ClaimIdempotencyKey binds key to id. A key held by a task that failed or
// no longer exists is handed over.
func (b *BoltDB) ClaimIdempotencyKey(_ context.Context, key string, id pipeline.Handle) (pipeline.Handle, error) {
	holder := id
	err := b.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(idempotencyBucket)
		if current := keys.Get([]byte(key)); current != nil && pipeline.Handle(current) != id {
			var task pipeline.Task
			found, err := getJSON(tx.Bucket(tasksBucket), current, &task)
			if err != nil {
				return err
			}
			if found && task.State != pipeline.StateFailed {
				holder = task.ID
				return nil
			}
		}
		return keys.Put([]byte(key), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("claiming idempotency key: %w", err)
	}
	return holder, nil
}

// UpsertInvoice stores inv as the single record for (fp, ownerID). An existing
// record keeps its ref and creation time.
func (b *BoltDB) UpsertInvoice(_ context.Context, inv *invoice.Normalized, fp document.Fingerprint, ownerID string, origin pipeline.Origin) (string, error) {
	var ref string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(invoiceKeysBucket)
		records := tx.Bucket(invoicesBucket)
		now := b.now()

		rec := &pipeline.InvoiceRecord{CreatedAt: now}
		if existing := keys.Get(ownerKey(fp, ownerID)); existing != nil {
			if _, err := getJSON(records, existing, rec); err != nil {
				return err
			}
			rec.ID = string(existing)
		} else {
			rec.ID = uuid.NewString()
		}

		rec.OwnerID = ownerID
		rec.Fingerprint = fp
		rec.Invoice = *inv
		rec.Origin = origin
		rec.UpdatedAt = now
		if err := putJSON(records, []byte(rec.ID), rec); err != nil {
			return err
		}
		ref = rec.ID
		return keys.Put(ownerKey(fp, ownerID), []byte(rec.ID))
	})
	if err != nil {
		return "", fmt.Errorf("upserting invoice: %w", err)
	}
	return ref, nil
}

// GetInvoice retrieves a record by ref
func (b *BoltDB) GetInvoice(_ context.Context, ref string) (*pipeline.InvoiceRecord, error) {
	var rec pipeline.InvoiceRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(invoicesBucket), []byte(ref), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", pipeline.ErrRecordNotFound, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListInvoices returns one owner's records, newest first
func (b *BoltDB) ListInvoices(_ context.Context, ownerID string) ([]*pipeline.InvoiceRecord, error) {
	records := make([]*pipeline.InvoiceRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(invoicesBucket).ForEach(func(k, v []byte) error {
			var rec pipeline.InvoiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			if rec.OwnerID == ownerID {
				records = append(records, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

// GetDedupEntry implements dedup.Backend
func (b *BoltDB) GetDedupEntry(_ context.Context, fp document.Fingerprint, ownerID string) (*dedup.Entry, error) {
	var e dedup.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(dedupBucket), ownerKey(fp, ownerID), &e)
		if err != nil {
			return err
		}
		if !found {
			return dedup.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutDedupEntry implements dedup.Backend. The first entry for a pair wins.
func (b *BoltDB) PutDedupEntry(_ context.Context, e *dedup.Entry) (*dedup.Entry, error) {
	stored := e
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(dedupBucket)
		key := ownerKey(e.Fingerprint, e.OwnerID)
		var existing dedup.Entry
		found, err := getJSON(bucket, key, &existing)
		if err != nil {
			return err
		}
		if found {
			stored = &existing
			return nil
		}
		return putJSON(bucket, key, e)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

var (
	_ pipeline.TaskStore    = (*BoltDB)(nil)
	_ pipeline.InvoiceStore = (*BoltDB)(nil)
	_ dedup.Backend         = (*BoltDB)(nil)
)

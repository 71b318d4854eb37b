package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-intake/internal/document"
)

// Handle identifies a queued task
type Handle string

// State is the internal processing state of a task
type State string

const (
	StateQueued      State = "queued"
	StateResolving   State = "resolving"
	StateRecognizing State = "recognizing"
	StateParsing     State = "parsing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateDuplicate   State = "duplicate"
)

// rank orders the forward path. Failed and Duplicate sit outside it.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateResolving:
		return 1
	case StateRecognizing:
		return 2
	case StateParsing:
		return 3
	case StateCompleted:
		return 4
	}
	return -1
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDuplicate
}

// Status is the externally visible collapse of State
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusDuplicate  Status = "Duplicate"
)

// Status maps the internal state to its external status
func (s State) Status() Status {
	switch s {
	case StateQueued:
		return StatusQueued
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateDuplicate:
		return StatusDuplicate
	}
	return StatusProcessing
}

// Task is the unit of asynchronous work for one submitted document
type Task struct {
	ID               Handle               `json:"id"`
	OwnerID          string               `json:"owner_id"`
	SourceKind       document.SourceKind  `json:"source_kind"`
	OriginalFilename string               `json:"original_filename"`
	ContentType      string               `json:"content_type"`
	BlobPath         string               `json:"blob_path"`
	Fingerprint      document.Fingerprint `json:"fingerprint,omitempty"`
	IdempotencyKey   string               `json:"idempotency_key,omitempty"`
	State            State                `json:"state"`
	AttemptCount     int                  `json:"attempt_count"`
	LastError        Reason               `json:"last_error,omitempty"`
	Reason           Reason               `json:"reason,omitempty"`
	Detail           string               `json:"detail,omitempty"`
	RecordRef        string               `json:"record_ref,omitempty"`
	DuplicateOf      Handle               `json:"duplicate_of,omitempty"`
	Cancelled        bool                 `json:"cancelled,omitempty"`
	Reprocess        bool                 `json:"reprocess,omitempty"`
	Resolved         bool                 `json:"resolved,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// StatusView is what callers polling a task see
type StatusView struct {
	TaskID       Handle              `json:"task_id"`
	Status       Status              `json:"status"`
	State        State               `json:"state"`
	SourceKind   document.SourceKind `json:"source_kind"`
	Reason       Reason              `json:"reason,omitempty"`
	RecordRef    string              `json:"record_ref,omitempty"`
	DuplicateOf  Handle              `json:"duplicate_of,omitempty"`
	AttemptCount int                 `json:"attempt_count"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (t *Task) view() *StatusView {
	return &StatusView{
		TaskID:       t.ID,
		Status:       t.State.Status(),
		State:        t.State,
		SourceKind:   t.SourceKind,
		Reason:       t.Reason,
		RecordRef:    t.RecordRef,
		DuplicateOf:  t.DuplicateOf,
		AttemptCount: t.AttemptCount,
		UpdatedAt:    t.UpdatedAt,
	}
}

// IdempotencyKey derives the key that collapses repeated submissions of the
// same content by the same owner within one intake time bucket
func IdempotencyKey(ownerID string, fp document.Fingerprint, intake time.Time, bucket time.Duration) string {
	slot := intake.UTC().Unix()
	if bucket > 0 {
		slot = intake.UTC().Truncate(bucket).Unix()
	}
	return string(document.Compute([]byte(fmt.Sprintf("%s|%s|%d", ownerID, fp, slot))))
}

// IDGenerator generates unique task handles
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

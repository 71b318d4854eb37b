package pipeline

import (
	"context"
	"errors"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/email"
	"github.com/zombor/invoice-intake/internal/ocr"
)

// Reason is the stable, machine-readable cause recorded on a task
type Reason string

const (
	ReasonInvalidDocument     Reason = "InvalidDocument"
	ReasonNoAttachmentFound   Reason = "NoAttachmentFound"
	ReasonProviderRejected    Reason = "ProviderRejected"
	ReasonProviderUnavailable Reason = "ProviderUnavailable"
	ReasonProviderTimeout     Reason = "ProviderTimeout"
	ReasonLinkFetchFailed     Reason = "LinkFetchFailed"
	ReasonLinkRejected        Reason = "LinkRejected"
	ReasonPersistenceFailed   Reason = "PersistenceFailed"
	ReasonCancelled           Reason = "Cancelled"
	ReasonInternal            Reason = "Internal"
)

var (
	// ErrTaskNotFound is returned for unknown task handles
	ErrTaskNotFound = errors.New("task not found")
	// ErrRecordNotFound is returned for unknown record refs
	ErrRecordNotFound = errors.New("invoice record not found")
	// ErrIllegalTransition is returned when a state change would move a task backwards
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrTaskFinished is returned when cancelling a task that already reached a terminal state
	ErrTaskFinished = errors.New("task already finished")
	// ErrQueueClosed is returned when enqueueing after shutdown began
	ErrQueueClosed = errors.New("queue is shut down")

	errCancelled   = errors.New("task cancelled")
	errPersistence = errors.New("persistence failed")
)

// classify maps a stage error to its reason and whether another attempt may succeed
func classify(err error) (Reason, bool) {
	var fetchErr *email.FetchError
	switch {
	case errors.Is(err, errCancelled):
		return ReasonCancelled, false
	case errors.Is(err, document.ErrInvalidDocument):
		return ReasonInvalidDocument, false
	case errors.Is(err, email.ErrNoAttachmentFound):
		return ReasonNoAttachmentFound, false
	case errors.Is(err, email.ErrLinkRejected):
		return ReasonLinkRejected, false
	case errors.As(err, &fetchErr):
		return ReasonLinkFetchFailed, true
	case errors.Is(err, ocr.ErrProviderRejected):
		return ReasonProviderRejected, false
	case errors.Is(err, ocr.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonProviderTimeout, true
	case errors.Is(err, ocr.ErrProviderUnavailable):
		return ReasonProviderUnavailable, true
	case errors.Is(err, errPersistence):
		return ReasonPersistenceFailed, true
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrInvalidPath):
		return ReasonInternal, false
	}
	return ReasonInternal, true
}

package ocr

import (
	"context"
	"time"
)

// RawResult is the unparsed output of a recognition provider. Body carries the
// provider's text exactly as received; nothing downstream of the provider may
// assume a particular shape.
type RawResult struct {
	Provider   string    `json:"provider"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Text returns the body as a string
func (r *RawResult) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// Recognizer is the single contract every recognition provider implements.
// Errors returned by Recognize are always *ProviderError.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, contentType string) (*RawResult, error)
	Close() error
}

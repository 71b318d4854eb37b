package ocr

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Recognizer with a token bucket so a rate-limited provider
// never sees more than perSecond calls per second across all workers.
type Limited struct {
	next    Recognizer
	limiter *rate.Limiter
}

// NewLimited returns next unchanged when perSecond is not positive
func NewLimited(next Recognizer, perSecond float64, burst int) Recognizer {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Recognize waits for a token before delegating
func (l *Limited) Recognize(ctx context.Context, data []byte, contentType string) (*RawResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, newError("rate-limiter", ErrProviderTimeout, err)
	}
	return l.next.Recognize(ctx, data, contentType)
}

// Close closes the wrapped Recognizer
func (l *Limited) Close() error {
	return l.next.Close()
}

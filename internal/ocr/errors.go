package ocr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrProviderUnavailable means the provider could not serve the request right now
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderTimeout means the provider did not answer in time
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderRejected means the provider refused the input; retrying will not help
	ErrProviderRejected = errors.New("provider rejected input")
)

// ProviderError tags a provider failure with one of the sentinel kinds
type ProviderError struct {
	Provider string
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Is lets errors.Is match the sentinel kind
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newError(provider string, kind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// IsRetryable reports whether a recognition failure may succeed on a later attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout)
}

// kindForStatus maps an HTTP status code to an error kind. It returns nil for 2xx.
func kindForStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrProviderTimeout
	case code == http.StatusTooManyRequests || code >= 500:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}

// fromTransport classifies an error returned before any response was received
func fromTransport(provider string, err error) *ProviderError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return newError(provider, ErrProviderTimeout, err)
	}
	return newError(provider, ErrProviderUnavailable, err)
}

package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/document"
)

var (
	// ErrNoAttachmentFound means the email carries neither an invoice file nor a usable link
	ErrNoAttachmentFound = errors.New("no attachment found")
	// ErrLinkRejected means the link was fetched but can never yield an invoice
	ErrLinkRejected = errors.New("link rejected")

	errTooManyRedirects = errors.New("too many redirects")
)

// DefaultLinkPattern matches links that plausibly download an invoice
const DefaultLinkPattern = `(?i)(\.pdf([?#]|$)|invoice|receipt|bill|download|statement)`

var reURL = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+`)

// FetchError is a transient failure fetching an invoice link
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the fetch failed by running out of time
func (e *FetchError) Timeout() bool {
	var netErr net.Error
	return errors.Is(e.Err, context.DeadlineExceeded) || (errors.As(e.Err, &netErr) && netErr.Timeout())
}

// Resolver turns an inbound email into the invoice document it carries
type Resolver struct {
	client      *http.Client
	maxBytes    int64
	linkPattern *regexp.Regexp
}

// Option configures a Resolver
type Option func(*Resolver)

// WithTimeout bounds each link fetch
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithMaxBytes sets the largest download accepted from a link
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithLinkPattern replaces the pattern a body link must match to be fetched
func WithLinkPattern(re *regexp.Regexp) Option {
	return func(r *Resolver) {
		if re != nil {
			r.linkPattern = re
		}
	}
}

// WithTransport sets the HTTP transport used for link fetches
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Resolver) {
		r.client.Transport = rt
	}
}

// NewResolver creates a Resolver. Link fetches follow at most one redirect.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxBytes:    20 << 20,
		linkPattern: regexp.MustCompile(DefaultLinkPattern),
	}
	r.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > 1 {
			return errTooManyRedirects
		}
		return nil
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve prefers an attached PDF or image, then the first invoice link in
// the body. ErrNoAttachmentFound is returned when neither exists.
func (r *Resolver) Resolve(ctx context.Context, p *Payload) (*document.Document, error) {
	if a := p.invoiceAttachment(); a != nil {
		ct := document.NormalizeContentType(a.ContentType)
		if ct == "" || ct == "application/octet-stream" {
			ct = document.ContentTypeFromFilename(a.Filename)
		}
		return &document.Document{
			Bytes:            a.Content,
			SourceKind:       document.SourceEmailAttachment,
			OwnerID:          p.OwnerID,
			OriginalFilename: a.Filename,
			ContentType:      ct,
		}, nil
	}

	link := r.findLink(p)
	if link == "" {
		return nil, ErrNoAttachmentFound
	}

	slog.Info("Fetching invoice link", "message_id", p.MessageID, "url", link)
	return r.fetch(ctx, p.OwnerID, link)
}

// findLink returns the first URL matching the link pattern, text body first
func (r *Resolver) findLink(p *Payload) string {
	for _, body := range []string{p.Text, p.HTML} {
		for _, candidate := range reURL.FindAllString(body, -1) {
			candidate = strings.TrimRight(candidate, ".,;:!?")
			u, err := url.Parse(candidate)
			if err != nil || u.Host == "" {
				continue
			}
			if r.linkPattern.MatchString(u.Path + "?" + u.RawQuery) {
				return candidate
			}
		}
	}
	return ""
}

func (r *Resolver) fetch(ctx context.Context, ownerID, link string) (*document.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkRejected, err)
	}
	req.Header.Set("Accept", "application/pdf, image/*")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			return nil, fmt.Errorf("%w: %s: %v", ErrLinkRejected, link, err)
		}
		return nil, &FetchError{URL: link, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: link, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > r.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrLinkRejected, link, resp.ContentLength, r.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: link, Err: err}
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrLinkRejected, link, r.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s returned no content", ErrLinkRejected, link)
	}

	ct := document.NormalizeContentType(resp.Header.Get("Content-Type"))
	if !document.IsInvoiceContentType(ct) {
		ct = document.NormalizeContentType(http.DetectContentType(data))
	}
	if !document.IsInvoiceContentType(ct) {
		return nil, fmt.Errorf("%w: %s served %s", ErrLinkRejected, link, ct)
	}

	return &document.Document{
		Bytes:            data,
		SourceKind:       document.SourceEmailLink,
		OwnerID:          ownerID,
		OriginalFilename: filenameFor(resp, ct),
		ContentType:      ct,
	}, nil
}

func filenameFor(resp *http.Response, contentType string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if base := path.Base(resp.Request.URL.Path); base != "." && base != "/" && path.Ext(base) != "" {
		return base
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return "invoice" + exts[0]
	}
	return "invoice"
}

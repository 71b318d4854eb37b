package dedup

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zombor/invoice-intake/internal/document"
)

// ErrNotFound is returned by Lookup when no record exists for the pair
var ErrNotFound = errors.New("dedup entry not found")

// Entry maps a fingerprint within one owner's scope to the record it produced
type Entry struct {
	Fingerprint document.Fingerprint `json:"fingerprint"`
	OwnerID     string               `json:"owner_id"`
	RecordRef   string               `json:"record_ref"`
}

// Backend is the durable side of the index
type Backend interface {
	GetDedupEntry(ctx context.Context, fp document.Fingerprint, ownerID string) (*Entry, error)
	// PutDedupEntry stores e unless an entry already exists for the pair, and
	// returns whichever entry is stored afterwards
	PutDedupEntry(ctx context.Context, e *Entry) (*Entry, error)
}

// Index answers "have we already stored this content for this owner?"
type Index struct {
	backend Backend
	cache   *lru.Cache[string, string]
}

// NewIndex creates an Index with an in-memory cache of cacheSize entries in
// front of backend
func NewIndex(backend Backend, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	return &Index{backend: backend, cache: cache}, nil
}

func cacheKey(fp document.Fingerprint, ownerID string) string {
	return ownerID + "|" + string(fp)
}

// Lookup returns the record ref stored for the pair, or ErrNotFound
func (i *Index) Lookup(ctx context.Context, fp document.Fingerprint, ownerID string) (string, error) {
	key := cacheKey(fp, ownerID)
	if ref, ok := i.cache.Get(key); ok {
		return ref, nil
	}

	e, err := i.backend.GetDedupEntry(ctx, fp, ownerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("looking up fingerprint %s: %w", fp.Short(), err)
	}
	i.cache.Add(key, e.RecordRef)
	return e.RecordRef, nil
}

// Record associates the pair with recordRef. Recording the same pair again
// leaves the first entry in place.
func (i *Index) Record(ctx context.Context, fp document.Fingerprint, ownerID, recordRef string) error {
	stored, err := i.backend.PutDedupEntry(ctx, &Entry{Fingerprint: fp, OwnerID: ownerID, RecordRef: recordRef})
	if err != nil {
		return fmt.Errorf("recording fingerprint %s: %w", fp.Short(), err)
	}
	i.cache.Add(cacheKey(fp, ownerID), stored.RecordRef)
	return nil
}

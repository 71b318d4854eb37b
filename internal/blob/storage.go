package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no blob exists at a path
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidPath is returned for paths that escape the store
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store defines the interface for blob storage operations
type Store interface {
	// Put stores data and returns the path it can be fetched from
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves a blob by path
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes a blob
	Delete(ctx context.Context, path string) error
}

// newPath returns a fresh object name, sharded by its first two characters
func newPath() string {
	id := uuid.NewString()
	return id[:2] + "/" + id
}

func validPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") {
		return false
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}

// LocalStore implements the Store interface using the local filesystem
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a new LocalStore rooted at basePath
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStore{
		basePath: basePath,
	}, nil
}

// Put writes data under a newly generated path
func (l *LocalStore) Put(_ context.Context, data []byte) (string, error) {
	path := newPath()
	full := filepath.Join(l.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return path, nil
}

// Get reads the blob at path
func (l *LocalStore) Get(_ context.Context, path string) ([]byte, error) {
	if !validPath(path) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes the blob at path
func (l *LocalStore) Delete(_ context.Context, path string) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	err := os.Remove(filepath.Join(l.basePath, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

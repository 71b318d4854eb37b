package document

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// SourceKind identifies the intake mechanism a document arrived through
type SourceKind string

const (
	SourceUpload          SourceKind = "upload"
	SourceEmailAttachment SourceKind = "emailAttachment"
	SourceEmailLink       SourceKind = "emailLink"
)

// ErrInvalidDocument is returned for documents the pipeline can never process
var ErrInvalidDocument = errors.New("invalid document")

// Valid reports whether k is one of the recognized intake kinds
func (k SourceKind) Valid() bool {
	switch k {
	case SourceUpload, SourceEmailAttachment, SourceEmailLink:
		return true
	}
	return false
}

// IsEmail reports whether documents of this kind need attachment resolution
func (k SourceKind) IsEmail() bool {
	return k == SourceEmailAttachment || k == SourceEmailLink
}

// Document is the immutable unit of intake: raw bytes plus where they came from.
// For email kinds, Bytes holds the encoded inbound email payload until the
// attachment resolver turns it into the actual invoice file.
type Document struct {
	Bytes            []byte     `json:"-"`
	SourceKind       SourceKind `json:"source_kind"`
	OwnerID          string     `json:"owner_id"`
	OriginalFilename string     `json:"original_filename"`
	ContentType      string     `json:"content_type"`
}

// Validate checks the invariants required before a document may be queued
func (d *Document) Validate() error {
	if len(d.Bytes) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidDocument)
	}
	if !d.SourceKind.Valid() {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidDocument, d.SourceKind)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// SanitizeFilename cleans up a filename by removing special characters and truncating length
func SanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = spaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}

	return base + ext
}

// ContentTypeFromFilename guesses a MIME type from the file extension
func ContentTypeFromFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

// NormalizeContentType lowercases a MIME type and strips any parameters
func NormalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// IsInvoiceContentType reports whether a MIME type is a PDF or a common image format
func IsInvoiceContentType(contentType string) bool {
	ct := NormalizeContentType(contentType)
	if ct == "application/pdf" {
		return true
	}
	switch ct {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/heic", "image/heif", "image/webp", "image/tiff":
		return true
	}
	return false
}

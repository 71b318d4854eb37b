package document

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedFormat is returned when bytes cannot be turned into an image
var ErrUnsupportedFormat = errors.New("unsupported document format")

// PrepareImage renders a document into PNG bytes for vision providers.
// PDFs contribute their first page; HEIC, JPEG and GIF are re-encoded; PNG passes through.
func PrepareImage(data []byte, contentType string) ([]byte, error) {
	mimeType := NormalizeContentType(contentType)
	if mimeType == "" {
		mimeType = sniffContentType(data)
	}

	switch {
	case mimeType == "application/pdf" || isPDF(data):
		out, err := renderPDFPage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF: %v", ErrUnsupportedFormat, err)
		}
		return out, nil
	case mimeType == "image/png" && !isHEIC(data):
		return data, nil
	default:
		out, err := reencodePNG(data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return out, nil
	}
}

func renderPDFPage(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, errors.New("PDF has no pages")
	}

	// Invoices are almost always single page; the first carries the totals header.
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func reencodePNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	if isHEIC(data) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s image: %w", mimeType, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// isHEIC checks for an ftyp box carrying a HEIC family brand
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

func sniffContentType(data []byte) string {
	switch {
	case isPDF(data):
		return "application/pdf"
	case isHEIC(data):
		return "image/heic"
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	}
	return "application/octet-stream"
}

package email

import (
	"encoding/json"
	"fmt"

	"github.com/zombor/invoice-intake/internal/document"
)

// PayloadContentType marks a document whose bytes are an encoded Payload
const PayloadContentType = "application/vnd.invoice-intake.email+json"

// Attachment is a file carried inline by the inbound email webhook
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Payload is an inbound email as handed over by the webhook layer, already
// authenticated and signature-verified
type Payload struct {
	MessageID   string       `json:"message_id"`
	OwnerID     string       `json:"owner_id"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
}

// Decode parses an encoded payload
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding email payload: %w", err)
	}
	return &p, nil
}

// invoiceAttachment returns the first attachment with an accepted content type
func (p *Payload) invoiceAttachment() *Attachment {
	for i := range p.Attachments {
		a := &p.Attachments[i]
		if len(a.Content) == 0 {
			continue
		}
		ct := a.ContentType
		if ct == "" || document.NormalizeContentType(ct) == "application/octet-stream" {
			ct = document.ContentTypeFromFilename(a.Filename)
		}
		if document.IsInvoiceContentType(ct) {
			return a
		}
	}
	return nil
}

// SourceKind reports which intake path this email will take
func (p *Payload) SourceKind() document.SourceKind {
	if p.invoiceAttachment() != nil {
		return document.SourceEmailAttachment
	}
	return document.SourceEmailLink
}

// ToDocument wraps the payload in a Document for the ingestion gateway. The
// attachment or link is resolved later by a worker.
func (p *Payload) ToDocument(ownerID string) (*document.Document, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding email payload: %w", err)
	}
	name := p.Subject
	if name == "" {
		name = p.MessageID
	}
	return &document.Document{
		Bytes:            data,
		SourceKind:       p.SourceKind(),
		OwnerID:          ownerID,
		OriginalFilename: name,
		ContentType:      PayloadContentType,
	}, nil
}

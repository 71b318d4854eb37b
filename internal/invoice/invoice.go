package invoice

import (
	"errors"
	"strings"
)

// Type identifies the invoice layout an adapter understands
type Type string

const (
	TypeGeneralVAT    Type = "general_vat"
	TypeTrainTicket   Type = "train_ticket"
	TypeFlightTicket  Type = "flight_ticket"
	TypeDiningReceipt Type = "dining_receipt"
	TypeUnknown       Type = "unknown"
)

// Common field names shared by every adapter and the fallback extractor
const (
	FieldAmount       = "amount"
	FieldCurrency     = "currency"
	FieldDate         = "date"
	FieldCounterparty = "counterparty"
)

// ErrAdaptationFailed is returned when a payload cannot be mapped by the adapter for its type
var ErrAdaptationFailed = errors.New("adaptation failed")

// Normalized is the structured result of extraction
type Normalized struct {
	Type              Type              `json:"invoice_type"`
	Fields            map[string]string `json:"fields"`
	Confidence        float64           `json:"confidence"`
	Degraded          bool              `json:"degraded"`
	SourceFingerprint string            `json:"source_fingerprint"`
}

// Field returns a field value or the empty string
func (n *Normalized) Field(name string) string {
	if n == nil || n.Fields == nil {
		return ""
	}
	return n.Fields[name]
}

// parseType maps the free-form type hints providers return onto a Type
func parseType(hint string) Type {
	h := strings.ToLower(strings.TrimSpace(hint))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	switch h {
	case "general_vat", "vat", "vat_invoice", "tax_invoice", "general_vat_invoice", "invoice":
		return TypeGeneralVAT
	case "train_ticket", "train", "rail_ticket", "railway_ticket":
		return TypeTrainTicket
	case "flight_ticket", "flight", "air_ticket", "airline_ticket", "boarding_pass", "itinerary":
		return TypeFlightTicket
	case "dining_receipt", "dining", "restaurant", "restaurant_receipt", "meal", "food_receipt":
		return TypeDiningReceipt
	}
	return TypeUnknown
}

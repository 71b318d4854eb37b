package invoice

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zombor/invoice-intake/internal/ocr"
)

// typeHintKeys are the payload keys a provider may use to name the document type
var typeHintKeys = []string{"type", "invoice_type", "document_type", "kind"}

// minSignatureMatches is how many signature keys must be present to classify
// a payload that carries no usable type hint
const minSignatureMatches = 2

type registration struct {
	typ       Type
	schema    *jsonschema.Schema
	adapt     Adapter
	signature []string
	expected  []string
}

// Registry dispatches provider payloads to the adapter for their invoice type
type Registry struct {
	mu       sync.RWMutex
	entries  map[Type]*registration
	order    []Type
	fallback *Fallback
}

// NewRegistry creates a registry holding the built-in adapters
func NewRegistry(fallback *Fallback) (*Registry, error) {
	if fallback == nil {
		fallback = NewFallback(0)
	}
	r := &Registry{
		entries:  make(map[Type]*registration),
		fallback: fallback,
	}

	builtins := []struct {
		typ       Type
		schema    string
		adapt     Adapter
		signature []string
		expected  []string
	}{
		{
			TypeGeneralVAT, vatSchema, adaptGeneralVAT,
			[]string{"invoice_number", "seller_tax_id", "tax_amount", "net_amount", "seller_name"},
			[]string{FieldAmount, FieldDate, FieldCounterparty, "invoice_number", "tax_amount"},
		},
		{
			TypeTrainTicket, trainSchema, adaptTrainTicket,
			[]string{"train_number", "departure_station", "arrival_station", "seat"},
			[]string{FieldAmount, FieldDate, "departure_station", "arrival_station", "train_number"},
		},
		{
			TypeFlightTicket, flightSchema, adaptFlightTicket,
			[]string{"flight_number", "airline", "origin", "destination"},
			[]string{FieldAmount, FieldDate, FieldCounterparty, "flight_number", "origin", "destination"},
		},
		{
			TypeDiningReceipt, diningSchema, adaptDiningReceipt,
			[]string{"merchant_name", "tip", "subtotal"},
			[]string{FieldAmount, FieldDate, FieldCounterparty},
		},
	}
	for _, b := range builtins {
		if err := r.register(b.typ, b.schema, b.adapt, b.signature, b.expected); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter for a new invoice type. The schema validates the
// decoded payload before the adapter runs; signature keys drive classification
// of payloads without a type hint.
func (r *Registry) Register(t Type, schema string, adapt Adapter, signature ...string) error {
	return r.register(t, schema, adapt, signature, signature)
}

func (r *Registry) register(t Type, schema string, adapt Adapter, signature, expected []string) error {
	if t == TypeUnknown || t == "" {
		return fmt.Errorf("cannot register adapter for type %q", t)
	}
	if adapt == nil {
		return fmt.Errorf("adapter for %s is nil", t)
	}
	compiled, err := compileSchema(string(t), schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t]; exists {
		return fmt.Errorf("adapter for %s already registered", t)
	}
	r.entries[t] = &registration{
		typ:       t,
		schema:    compiled,
		adapt:     adapt,
		signature: signature,
		expected:  expected,
	}
	r.order = append(r.order, t)
	return nil
}

// Types lists registered types in registration order
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Type(nil), r.order...)
}

// Classify determines the invoice type of a payload. It always returns a
// Type; TypeUnknown when nothing registered matches.
func (r *Registry) Classify(raw *ocr.RawResult) Type {
	payload, ok := decodePayload(raw)
	if !ok {
		return TypeUnknown
	}
	return r.classifyPayload(payload)
}

func (r *Registry) classifyPayload(payload map[string]any) Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range typeHintKeys {
		hint, _ := payload[key].(string)
		if hint == "" {
			continue
		}
		t := parseType(hint)
		if t == TypeUnknown {
			t = Type(hint)
		}
		if _, ok := r.entries[t]; ok {
			return t
		}
	}

	best, bestScore := TypeUnknown, 0
	for _, t := range r.order {
		score := 0
		for _, key := range r.entries[t].signature {
			if v, ok := payload[key]; ok && v != nil {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore < minSignatureMatches {
		return TypeUnknown
	}
	return best
}

// Adapt maps a payload with the adapter registered for t
func (r *Registry) Adapt(raw *ocr.RawResult, t Type) (*Normalized, error) {
	r.mu.RLock()
	entry, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for type %q", ErrAdaptationFailed, t)
	}

	payload, ok := decodePayload(raw)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrAdaptationFailed)
	}

	if err := entry.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload does not match schema: %v", ErrAdaptationFailed, t, err)
	}

	fields, err := entry.adapt(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAdaptationFailed, t, err)
	}

	return &Normalized{
		Type:       t,
		Fields:     fields,
		Confidence: coverage(fields, entry.expected),
	}, nil
}

// Extract classifies, adapts and falls back as needed. It never fails.
func (r *Registry) Extract(raw *ocr.RawResult) *Normalized {
	t := r.Classify(raw)
	if t != TypeUnknown {
		n, err := r.Adapt(raw, t)
		if err == nil {
			return n
		}
		slog.Warn("Adapter failed, using fallback extraction", "invoice_type", t, "error", err)
	}

	n := r.fallback.ExtractBasics(raw)
	if t != TypeUnknown {
		n.Fields["suspected_type"] = string(t)
	}
	return n
}

func coverage(fields map[string]string, expected []string) float64 {
	if len(expected) == 0 {
		return 1
	}
	found := 0
	for _, key := range expected {
		if fields[key] != "" {
			found++
		}
	}
	return math.Round(float64(found)/float64(len(expected))*100) / 100
}

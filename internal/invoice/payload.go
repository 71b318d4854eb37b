package invoice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/ocr"
)

// envelopeKeys are wrappers some providers put around the document object
var envelopeKeys = []string{"data", "result", "invoice", "document", "receipt", "ticket"}

// decodePayload finds the JSON object inside a provider reply. It tolerates
// markdown fences, leading prose, one level of envelope and single element arrays.
func decodePayload(raw *ocr.RawResult) (map[string]any, bool) {
	text := strings.TrimSpace(raw.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end < start {
			return nil, false
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
			return nil, false
		}
	}

	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil, false
		}
		v = arr[0]
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}

	if len(obj) == 1 {
		for _, key := range envelopeKeys {
			if inner, ok := obj[key].(map[string]any); ok {
				return inner, true
			}
		}
	}
	return obj, true
}

// str returns the first non-empty string-like value among keys
func str(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" && !strings.EqualFold(s, "null") {
				return s
			}
		case float64:
			return decimal.NewFromFloat(v).String()
		}
	}
	return ""
}

// amount returns the first parseable monetary value among keys
func amount(m map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if d, err := parseAmount(v); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

// parseAmount accepts JSON numbers and strings such as "$1,234.50" or "1.234,50 EUR"
func parseAmount(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return parseAmountString(t)
	}
	return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
}

func parseAmountString(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, fmt.Errorf("no digits in %q", s)
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastComma > lastDot && len(clean)-lastComma-1 <= 2:
		// comma is the decimal separator
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	default:
		clean = strings.ReplaceAll(clean, ",", "")
	}
	return decimal.NewFromString(clean)
}

// formatAmount renders money with two decimals
func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04",
	"01/02/2006",
	"02-01-2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// parseDate normalizes a date string to YYYY-MM-DD
func parseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// date returns the first parseable date among keys
func date(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if d, ok := parseDate(str(m, key)); ok {
			return d, true
		}
	}
	return "", false
}

package invoice

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/ocr"
)

var (
	amountKeys       = []string{"total_amount", "total", "amount", "amount_due", "grand_total", "total_due", "fare", "price"}
	dateKeys         = []string{"date", "issue_date", "invoice_date", "transaction_date", "departure_date", "departure_time"}
	counterpartyKeys = []string{"counterparty", "merchant_name", "seller_name", "vendor", "vendor_name", "merchant", "store", "company", "airline", "carrier", "title"}
)

var (
	reTotal  = regexp.MustCompile(`(?i)(?:grand\s+total|total\s+due|amount\s+due|total)\s*[:=]?\s*(?:[a-z]{3}\s*)?[$£€¥]?\s*(\d{1,3}(?:[,.]\d{3})*(?:[.,]\d{2})|\d+(?:[.,]\d{2})?)`)
	reAmount = regexp.MustCompile(`[$£€¥]?\s*(\d{1,3}(?:,\d{3})+\.\d{2}|\d+\.\d{2})\b`)
	reDates  = []*regexp.Regexp{
		regexp.MustCompile(`\b(20\d{2}[-/.]\d{2}[-/.]\d{2})\b`),
		regexp.MustCompile(`\b(\d{2}[/.-]\d{2}[/.-]20\d{2})\b`),
		regexp.MustCompile(`\b((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.? \d{1,2}, 20\d{2})\b`),
		regexp.MustCompile(`\b(\d{1,2} (?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]* 20\d{2})\b`),
	}
)

// Fallback extracts whatever basic fields it can find when no adapter
// produced a record. Results below MinConfidence are still returned, but
// flagged for manual review.
type Fallback struct {
	MinConfidence float64
}

// NewFallback creates a fallback extractor with the given review threshold
func NewFallback(minConfidence float64) *Fallback {
	return &Fallback{MinConfidence: minConfidence}
}

// ExtractBasics always succeeds. It looks for amount, date and counterparty
// first in any JSON the provider returned and then in the raw text.
func (f *Fallback) ExtractBasics(raw *ocr.RawResult) *Normalized {
	fields := map[string]string{"extraction": "heuristic"}

	if payload, ok := decodePayload(raw); ok {
		flat := flatten(payload)
		if a, ok := amount(flat, amountKeys...); ok {
			fields[FieldAmount] = formatAmount(a)
		}
		if d, ok := date(flat, dateKeys...); ok {
			fields[FieldDate] = d
		}
		setIf(fields, FieldCounterparty, str(flat, counterpartyKeys...))
		setIf(fields, FieldCurrency, str(flat, "currency"))
	}

	text := raw.Text()
	if fields[FieldAmount] == "" {
		if a, ok := amountFromText(text); ok {
			fields[FieldAmount] = formatAmount(a)
		}
	}
	if fields[FieldDate] == "" {
		if d, ok := dateFromText(text); ok {
			fields[FieldDate] = d
		}
	}
	if fields[FieldCounterparty] == "" {
		setIf(fields, FieldCounterparty, counterpartyFromText(text))
	}

	found := 0
	for _, key := range []string{FieldAmount, FieldDate, FieldCounterparty} {
		if fields[key] != "" {
			found++
		}
	}
	confidence := math.Round(float64(found)/3*100) / 100
	if confidence < f.MinConfidence {
		fields["review"] = "required"
	}

	return &Normalized{
		Type:       TypeUnknown,
		Fields:     fields,
		Confidence: confidence,
		Degraded:   true,
	}
}

// flatten lifts nested object values to the top level without overwriting
// keys that already exist there
func flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	var walk func(map[string]any, int)
	walk = func(obj map[string]any, depth int) {
		for k, v := range obj {
			key := strings.ToLower(k)
			if nested, ok := v.(map[string]any); ok && depth < 3 {
				walk(nested, depth+1)
				continue
			}
			if _, exists := out[key]; !exists || depth == 0 {
				out[key] = v
			}
		}
	}
	walk(m, 0)
	return out
}

// amountFromText prefers an amount labelled as a total, then the largest amount seen
func amountFromText(text string) (decimal.Decimal, bool) {
	if m := reTotal.FindAllStringSubmatch(text, -1); len(m) > 0 {
		if d, err := parseAmountString(m[len(m)-1][1]); err == nil {
			return d, true
		}
	}

	var (
		best  decimal.Decimal
		found bool
	)
	for _, m := range reAmount.FindAllStringSubmatch(text, -1) {
		d, err := parseAmountString(m[1])
		if err != nil {
			continue
		}
		if !found || d.GreaterThan(best) {
			best, found = d, true
		}
	}
	return best, found
}

func dateFromText(text string) (string, bool) {
	for _, re := range reDates {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if d, ok := parseDate(strings.ReplaceAll(m[1], ".", "-")); ok {
				return d, true
			}
			if d, ok := parseDate(m[1]); ok {
				return d, true
			}
		}
	}
	return "", false
}

// counterpartyFromText takes the first line that reads like a business name.
// The issuer is almost always printed at the top of the document.
func counterpartyFromText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "{}[]\",:"))
		if len(line) < 3 || len(line) > 60 {
			continue
		}
		letters, digits := 0, 0
		for _, r := range line {
			switch {
			case unicode.IsLetter(r):
				letters++
			case unicode.IsDigit(r):
				digits++
			}
		}
		if letters >= 3 && digits == 0 && !strings.ContainsAny(line, "{}<>=\":") {
			return line
		}
	}
	return ""
}

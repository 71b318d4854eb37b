package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Adapter maps a decoded provider payload to normalized fields. Adapters are
// pure and know nothing about each other; returning an error sends the
// document to the fallback extractor.
type Adapter func(payload map[string]any) (map[string]string, error)

// setIf stores v under key when it is non-empty
func setIf(fields map[string]string, key, v string) {
	if v != "" {
		fields[key] = v
	}
}

func adaptGeneralVAT(p map[string]any) (map[string]string, error) {
	total, ok := amount(p, "total_amount")
	if !ok {
		return nil, fmt.Errorf("total_amount is not a monetary value")
	}

	fields := map[string]string{FieldAmount: formatAmount(total)}
	net, hasNet := amount(p, "net_amount")
	tax, hasTax := amount(p, "tax_amount")
	if hasNet {
		fields["net_amount"] = formatAmount(net)
	}
	if hasTax {
		fields["tax_amount"] = formatAmount(tax)
	}
	if hasNet && hasTax && net.Add(tax).Sub(total).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		return nil, fmt.Errorf("net %s + tax %s does not match total %s", net, tax, total)
	}

	if d, ok := date(p, "issue_date", "date"); ok {
		fields[FieldDate] = d
	}
	setIf(fields, FieldCounterparty, str(p, "seller_name"))
	setIf(fields, FieldCurrency, str(p, "currency"))
	setIf(fields, "invoice_number", str(p, "invoice_number"))
	setIf(fields, "seller_tax_id", str(p, "seller_tax_id"))
	setIf(fields, "buyer_name", str(p, "buyer_name"))
	return fields, nil
}

func adaptTrainTicket(p map[string]any) (map[string]string, error) {
	fare, ok := amount(p, "fare")
	if !ok {
		return nil, fmt.Errorf("fare is not a monetary value")
	}

	fields := map[string]string{
		FieldAmount:         formatAmount(fare),
		"departure_station": str(p, "departure_station"),
		"arrival_station":   str(p, "arrival_station"),
	}
	if d, ok := date(p, "departure_time", "date"); ok {
		fields[FieldDate] = d
	}
	setIf(fields, "departure_time", str(p, "departure_time"))
	setIf(fields, FieldCounterparty, str(p, "carrier", "operator"))
	setIf(fields, FieldCurrency, str(p, "currency"))
	setIf(fields, "ticket_number", str(p, "ticket_number"))
	setIf(fields, "passenger_name", str(p, "passenger_name"))
	setIf(fields, "train_number", str(p, "train_number"))
	setIf(fields, "seat", str(p, "seat"))
	return fields, nil
}

func adaptFlightTicket(p map[string]any) (map[string]string, error) {
	fields := map[string]string{"flight_number": str(p, "flight_number")}

	fare, hasFare := amount(p, "fare")
	taxes, hasTaxes := amount(p, "taxes")
	total, hasTotal := amount(p, "total_amount")
	switch {
	case hasTotal:
	case hasFare:
		total = fare
		if hasTaxes {
			total = fare.Add(taxes)
		}
	default:
		return nil, fmt.Errorf("neither total_amount nor fare is a monetary value")
	}
	fields[FieldAmount] = formatAmount(total)
	if hasFare {
		fields["fare"] = formatAmount(fare)
	}
	if hasTaxes {
		fields["taxes"] = formatAmount(taxes)
	}

	if d, ok := date(p, "departure_date", "date"); ok {
		fields[FieldDate] = d
	}
	setIf(fields, FieldCounterparty, str(p, "airline"))
	setIf(fields, FieldCurrency, str(p, "currency"))
	setIf(fields, "ticket_number", str(p, "ticket_number"))
	setIf(fields, "passenger_name", str(p, "passenger_name"))
	setIf(fields, "origin", str(p, "origin"))
	setIf(fields, "destination", str(p, "destination"))
	return fields, nil
}

func adaptDiningReceipt(p map[string]any) (map[string]string, error) {
	total, ok := amount(p, "total_amount")
	if !ok {
		return nil, fmt.Errorf("total_amount is not a monetary value")
	}

	fields := map[string]string{
		FieldAmount:       formatAmount(total),
		FieldCounterparty: str(p, "merchant_name"),
	}
	if sub, ok := amount(p, "subtotal"); ok {
		fields["subtotal"] = formatAmount(sub)
	}
	if tip, ok := amount(p, "tip"); ok {
		fields["tip"] = formatAmount(tip)
	}
	if d, ok := date(p, "date"); ok {
		fields[FieldDate] = d
	}
	setIf(fields, FieldCurrency, str(p, "currency"))
	return fields, nil
}

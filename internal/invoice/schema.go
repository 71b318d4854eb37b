package invoice

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	moneyType = `{"type": ["number", "string", "null"]}`
	textType  = `{"type": ["string", "number", "null"]}`
)

var vatSchema = `{
	"type": "object",
	"required": ["total_amount"],
	"properties": {
		"invoice_number": ` + textType + `,
		"issue_date": {"type": ["string", "null"]},
		"seller_name": {"type": ["string", "null"]},
		"seller_tax_id": ` + textType + `,
		"buyer_name": {"type": ["string", "null"]},
		"net_amount": ` + moneyType + `,
		"tax_amount": ` + moneyType + `,
		"total_amount": {"type": ["number", "string"]},
		"currency": {"type": ["string", "null"]}
	}
}`

var trainSchema = `{
	"type": "object",
	"required": ["departure_station", "arrival_station", "fare"],
	"properties": {
		"ticket_number": ` + textType + `,
		"passenger_name": {"type": ["string", "null"]},
		"departure_station": {"type": "string", "minLength": 1},
		"arrival_station": {"type": "string", "minLength": 1},
		"departure_time": {"type": ["string", "null"]},
		"train_number": ` + textType + `,
		"seat": ` + textType + `,
		"fare": {"type": ["number", "string"]},
		"currency": {"type": ["string", "null"]}
	}
}`

var flightSchema = `{
	"type": "object",
	"required": ["flight_number"],
	"anyOf": [
		{"required": ["total_amount"]},
		{"required": ["fare"]}
	],
	"properties": {
		"ticket_number": ` + textType + `,
		"passenger_name": {"type": ["string", "null"]},
		"airline": {"type": ["string", "null"]},
		"flight_number": {"type": "string", "minLength": 2},
		"origin": {"type": ["string", "null"]},
		"destination": {"type": ["string", "null"]},
		"departure_date": {"type": ["string", "null"]},
		"fare": ` + moneyType + `,
		"taxes": ` + moneyType + `,
		"total_amount": ` + moneyType + `,
		"currency": {"type": ["string", "null"]}
	}
}`

var diningSchema = `{
	"type": "object",
	"required": ["merchant_name", "total_amount"],
	"properties": {
		"merchant_name": {"type": "string", "minLength": 1},
		"date": {"type": ["string", "null"]},
		"subtotal": ` + moneyType + `,
		"tip": ` + moneyType + `,
		"total_amount": {"type": ["number", "string"]},
		"currency": {"type": ["string", "null"]}
	}
}`

// compileSchema compiles a JSON Schema document registered under name
func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

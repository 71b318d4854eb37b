package ocr

// extractionPrompt is shared by every vision provider
const extractionPrompt = `You are reading an invoice, ticket or receipt. Read all text in the image carefully and return ONLY a JSON object, no markdown and no commentary.

Set "type" to exactly one of:
- "general_vat" for a VAT or tax invoice issued by a company
- "train_ticket" for a railway ticket
- "flight_ticket" for an airline ticket, boarding pass or itinerary receipt
- "dining_receipt" for a restaurant, cafe or food receipt
- "unknown" if none of these fit

Then include the fields for that type:
- general_vat: "invoice_number", "issue_date" (YYYY-MM-DD), "seller_name", "seller_tax_id", "buyer_name", "net_amount", "tax_amount", "total_amount", "currency"
- train_ticket: "ticket_number", "passenger_name", "departure_station", "arrival_station", "departure_time" (YYYY-MM-DD HH:MM), "train_number", "seat", "fare", "currency"
- flight_ticket: "ticket_number", "passenger_name", "airline", "flight_number", "origin", "destination", "departure_date" (YYYY-MM-DD), "fare", "taxes", "total_amount", "currency"
- dining_receipt: "merchant_name", "date" (YYYY-MM-DD), "subtotal", "tip", "total_amount", "currency"

Amounts must be numbers, not strings. Use null for anything you cannot read.`

const systemPrompt = "You are an expert at reading and extracting information from invoices and receipts. You must carefully read all text in images and extract accurate information."

package invoice

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-intake/internal/ocr"
)

var _ = Describe("Registry", func() {
	var (
		registry *Registry
		rawBody  string
	)

	BeforeEach(func() {
		var err error
		registry, err = NewRegistry(NewFallback(0.5))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should register the built-in types in order", func() {
		Expect(registry.Types()).To(Equal([]Type{TypeGeneralVAT, TypeTrainTicket, TypeFlightTicket, TypeDiningReceipt}))
	})

	Describe("Classify", func() {
		var t Type

		JustBeforeEach(func() {
			t = registry.Classify(raw(rawBody))
		})

		When("the payload names its type", func() {
			BeforeEach(func() {
				rawBody = `{"type": "Train Ticket", "fare": 10}`
			})

			It("should use the hint", func() {
				Expect(t).To(Equal(TypeTrainTicket))
			})
		})

		When("the payload has no hint but matches a signature", func() {
			BeforeEach(func() {
				rawBody = `{"flight_number": "BA117", "airline": "British Airways", "total_amount": 410}`
			})

			It("should classify by fields", func() {
				Expect(t).To(Equal(TypeFlightTicket))
			})
		})

		When("the hint is unknown and too few fields match", func() {
			BeforeEach(func() {
				rawBody = `{"type": "parking_stub", "tip": 2}`
			})

			It("should return unknown", func() {
				Expect(t).To(Equal(TypeUnknown))
			})
		})

		When("the payload is not JSON", func() {
			BeforeEach(func() {
				rawBody = "<html>502 Bad Gateway</html>"
			})

			It("should return unknown", func() {
				Expect(t).To(Equal(TypeUnknown))
			})
		})

		When("the payload is empty", func() {
			BeforeEach(func() {
				rawBody = ""
			})

			It("should return unknown", func() {
				Expect(t).To(Equal(TypeUnknown))
			})
		})
	})

	Describe("Adapt", func() {
		var (
			t   Type
			inv *Normalized
			err error
		)

		JustBeforeEach(func() {
			inv, err = registry.Adapt(raw(rawBody), t)
		})

		When("adapting a general VAT invoice", func() {
			BeforeEach(func() {
				t = TypeGeneralVAT
				rawBody = `{"type": "general_vat", "invoice_number": "INV-7", "issue_date": "2024-03-20",
					"seller_name": "ACME GmbH", "seller_tax_id": "DE123", "net_amount": 100, "tax_amount": 19,
					"total_amount": "119.00", "currency": "EUR"}`
			})

			It("should normalize the fields", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Type).To(Equal(TypeGeneralVAT))
				Expect(inv.Degraded).To(BeFalse())
				Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "119.00"))
				Expect(inv.Fields).To(HaveKeyWithValue(FieldDate, "2024-03-20"))
				Expect(inv.Fields).To(HaveKeyWithValue(FieldCounterparty, "ACME GmbH"))
				Expect(inv.Fields).To(HaveKeyWithValue("tax_amount", "19.00"))
				Expect(inv.Confidence).To(Equal(1.0))
			})
		})

		When("VAT totals do not add up", func() {
			BeforeEach(func() {
				t = TypeGeneralVAT
				rawBody = `{"net_amount": 100, "tax_amount": 19, "total_amount": 150}`
			})

			It("should fail adaptation", func() {
				Expect(err).To(MatchError(ErrAdaptationFailed))
			})
		})

		When("a required field is missing", func() {
			BeforeEach(func() {
				t = TypeTrainTicket
				rawBody = `{"type": "train_ticket", "departure_station": "Berlin"}`
			})

			It("should fail schema validation", func() {
				Expect(err).To(MatchError(ErrAdaptationFailed))
				Expect(err.Error()).To(ContainSubstring("schema"))
			})
		})

		When("a field has the wrong shape", func() {
			BeforeEach(func() {
				t = TypeDiningReceipt
				rawBody = `{"merchant_name": "Cafe", "total_amount": {"value": 3}}`
			})

			It("should fail adaptation", func() {
				Expect(err).To(MatchError(ErrAdaptationFailed))
			})
		})

		When("adapting a flight ticket without a total", func() {
			BeforeEach(func() {
				t = TypeFlightTicket
				rawBody = `{"flight_number": "LH400", "airline": "Lufthansa", "fare": 300, "taxes": "45.50", "departure_date": "2024-05-01"}`
			})

			It("should sum fare and taxes", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "345.50"))
				Expect(inv.Fields).To(HaveKeyWithValue(FieldCounterparty, "Lufthansa"))
			})
		})

		When("adapting a train ticket", func() {
			BeforeEach(func() {
				t = TypeTrainTicket
				rawBody = `{"departure_station": "Paris", "arrival_station": "Lyon", "fare": 59.9, "departure_time": "2024-06-01 08:15", "train_number": "TGV 6601"}`
			})

			It("should take the date from the departure time", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Fields).To(HaveKeyWithValue(FieldDate, "2024-06-01"))
				Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "59.90"))
			})
		})

		When("the type has no adapter", func() {
			BeforeEach(func() {
				t = TypeUnknown
				rawBody = `{}`
			})

			It("should fail adaptation", func() {
				Expect(err).To(MatchError(ErrAdaptationFailed))
			})
		})
	})

	Describe("Extract", func() {
		var inv *Normalized

		JustBeforeEach(func() {
			inv = registry.Extract(raw(rawBody))
		})

		When("an adapter matches", func() {
			BeforeEach(func() {
				rawBody = `{"type": "dining_receipt", "merchant_name": "Luigi's", "total_amount": 48.2, "tip": 5, "date": "2024-02-14"}`
			})

			It("should return a non-degraded record", func() {
				Expect(inv.Type).To(Equal(TypeDiningReceipt))
				Expect(inv.Degraded).To(BeFalse())
				Expect(inv.Fields).To(HaveKeyWithValue("tip", "5.00"))
			})
		})

		When("the known adapter fails", func() {
			BeforeEach(func() {
				rawBody = `{"type": "dining_receipt", "total": "12.30", "date": "2024-02-14"}`
			})

			It("should fall back and keep the suspected type", func() {
				Expect(inv.Degraded).To(BeTrue())
				Expect(inv.Type).To(Equal(TypeUnknown))
				Expect(inv.Fields).To(HaveKeyWithValue("suspected_type", "dining_receipt"))
				Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "12.30"))
			})
		})

		It("should always yield a record for arbitrary payloads", func() {
			bodies := []string{
				"", "null", "[]", "{}", "[1,2,3]", `"just a string"`, "{{{{", "\x00\x01\x02",
				`{"type": 7}`, `{"type": "general_vat"}`, `{"data": null}`, `{"total_amount": []}`,
			}
			for i := 0; i < 50; i++ {
				bodies = append(bodies, fmt.Sprintf(`{"fare": %d, "seat": "%dA", "train_number": null}`, i, i))
			}
			for _, b := range bodies {
				n := registry.Extract(raw(b))
				Expect(n).NotTo(BeNil(), b)
				Expect(n.Fields).NotTo(BeNil(), b)
				if n.Type == TypeUnknown {
					Expect(n.Degraded).To(BeTrue(), b)
				}
			}
		})
	})

	Describe("Register", func() {
		It("should dispatch to a newly registered type", func() {
			parking := Type("parking_receipt")
			err := registry.Register(parking, `{"type": "object", "required": ["garage"]}`,
				func(p map[string]any) (map[string]string, error) {
					return map[string]string{FieldCounterparty: str(p, "garage")}, nil
				}, "garage", "bay")
			Expect(err).NotTo(HaveOccurred())

			inv := registry.Extract(&ocr.RawResult{Body: []byte(`{"garage": "Central", "bay": "B4"}`)})
			Expect(inv.Type).To(Equal(parking))
			Expect(inv.Fields).To(HaveKeyWithValue(FieldCounterparty, "Central"))
		})

		It("should refuse duplicate registrations", func() {
			err := registry.Register(TypeGeneralVAT, `{}`, func(map[string]any) (map[string]string, error) {
				return nil, errors.New("unused")
			})
			Expect(err).To(HaveOccurred())
		})

		It("should refuse the unknown type", func() {
			err := registry.Register(TypeUnknown, `{}`, func(map[string]any) (map[string]string, error) {
				return nil, nil
			})
			Expect(err).To(HaveOccurred())
		})

		It("should refuse an invalid schema", func() {
			err := registry.Register("broken", `{"type": 12}`, func(map[string]any) (map[string]string, error) {
				return nil, nil
			})
			Expect(err).To(HaveOccurred())
		})
	})
})

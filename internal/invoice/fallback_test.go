package invoice

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Fallback", func() {
	var (
		fallback *Fallback
		body     string
		inv      *Normalized
	)

	BeforeEach(func() {
		fallback = NewFallback(0.5)
	})

	JustBeforeEach(func() {
		inv = fallback.ExtractBasics(raw(body))
	})

	When("the provider returned JSON in an unrecognized shape", func() {
		BeforeEach(func() {
			body = `{"doc": {"vendor": "Corner Shop", "amount_due": "$18.40"}, "when": "n/a", "invoice_date": "03/02/2024"}`
		})

		It("should be degraded", func() {
			Expect(inv.Degraded).To(BeTrue())
			Expect(inv.Type).To(Equal(TypeUnknown))
		})

		It("should find the fields wherever they are nested", func() {
			Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "18.40"))
			Expect(inv.Fields).To(HaveKeyWithValue(FieldCounterparty, "Corner Shop"))
			Expect(inv.Fields).To(HaveKeyWithValue(FieldDate, "2024-03-02"))
		})

		It("should report full confidence", func() {
			Expect(inv.Confidence).To(Equal(1.0))
			Expect(inv.Fields).NotTo(HaveKey("review"))
		})
	})

	When("the provider returned plain text", func() {
		BeforeEach(func() {
			body = "Harbor Diner\n12 Pier Road\nDate: 2024-07-04\nSubtotal 40.00\nTax 3.20\nTOTAL 43.20\nThank you"
		})

		It("should use the labelled total", func() {
			Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "43.20"))
		})

		It("should find the date", func() {
			Expect(inv.Fields).To(HaveKeyWithValue(FieldDate, "2024-07-04"))
		})

		It("should take the first name-like line as the counterparty", func() {
			Expect(inv.Fields).To(HaveKeyWithValue(FieldCounterparty, "Harbor Diner"))
		})
	})

	When("only unlabelled amounts appear", func() {
		BeforeEach(func() {
			body = "12.00 7.50 1,204.99 3.10"
		})

		It("should take the largest", func() {
			Expect(inv.Fields).To(HaveKeyWithValue(FieldAmount, "1204.99"))
		})

		It("should scale confidence by what was found", func() {
			Expect(inv.Confidence).To(Equal(0.33))
		})

		It("should flag the record for review below the threshold", func() {
			Expect(inv.Fields).To(HaveKeyWithValue("review", "required"))
		})
	})

	When("nothing can be found", func() {
		BeforeEach(func() {
			body = "{}"
		})

		It("should still succeed with zero confidence", func() {
			Expect(inv).NotTo(BeNil())
			Expect(inv.Confidence).To(Equal(0.0))
			Expect(inv.Degraded).To(BeTrue())
			Expect(inv.Fields).To(HaveKeyWithValue("extraction", "heuristic"))
		})
	})

	When("the threshold is zero", func() {
		BeforeEach(func() {
			fallback = NewFallback(0)
			body = ""
		})

		It("should never flag for review", func() {
			Expect(inv.Fields).NotTo(HaveKey("review"))
		})
	})
})

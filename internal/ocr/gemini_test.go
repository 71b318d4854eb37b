package ocr

import (
	"time"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Gemini", func() {
	var (
		gemini   *Gemini
		received time.Time
	)

	BeforeEach(func() {
		received = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
		gemini = &Gemini{now: func() time.Time { return received }}
	})

	When("the first candidate carries text", func() {
		It("should join the text parts and stamp the result with its clock", func() {
			result, err := gemini.result(&genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Parts: []genai.Part{
						genai.Text(`{"type": "general_vat", `),
						genai.Blob{MIMEType: "image/png"},
						genai.Text(`"total_amount": "119.00"}`),
					}},
				}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Provider).To(Equal(geminiProvider))
			Expect(result.Text()).To(Equal(`{"type": "general_vat", "total_amount": "119.00"}`))
			Expect(result.ReceivedAt).To(Equal(received))
		})
	})

	When("no candidate is returned", func() {
		It("should return a terminal rejected error", func() {
			_, err := gemini.result(&genai.GenerateContentResponse{})
			Expect(err).To(MatchError(ErrProviderRejected))
		})
	})
})

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/dedup"
	"github.com/zombor/invoice-intake/internal/email"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
	"github.com/zombor/invoice-intake/internal/pipeline"
	"github.com/zombor/invoice-intake/internal/store"
)

func invoicePNG(shade uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: shade})
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Intake end to end", func() {
	var (
		db       *store.BoltDB
		queue    *pipeline.Queue
		server   *Server
		api      *httptest.Server
		provider *ghttp.Server
		links    *ghttp.Server
		reply    string
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		var err error
		db, err = store.NewBoltDB(filepath.Join(dir, "intake.db"))
		Expect(err).NotTo(HaveOccurred())
		blobs, err := blob.NewLocalStore(filepath.Join(dir, "files"))
		Expect(err).NotTo(HaveOccurred())

		reply = `{"type": "general_vat", "invoice_number": "INV-7", "issue_date": "20.03.2024",
			"seller_name": "ACME GmbH", "net_amount": "100,00", "tax_amount": "19,00", "total_amount": "119,00", "currency": "EUR"}`
		provider = ghttp.NewServer()
		provider.RouteToHandler("POST", "/api/chat", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"role": "assistant", "content": reply},
				"done":    true,
			})
		})
		links = ghttp.NewServer()

		recognizer, err := ocr.NewOllama(provider.URL(), "llava", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		registry, err := invoice.NewRegistry(invoice.NewFallback(0.6))
		Expect(err).NotTo(HaveOccurred())
		index, err := dedup.NewIndex(db, 64)
		Expect(err).NotTo(HaveOccurred())

		metrics := pipeline.NewMetrics()
		tracker := pipeline.NewTracker(db, nil, metrics)
		proc := pipeline.NewProcessor(pipeline.ProcessorConfig{
			Tracker:           tracker,
			Blobs:             blobs,
			Resolver:          email.NewResolver(email.WithTimeout(2 * time.Second)),
			Recognizer:        ocr.NewLimited(recognizer, 100, 10),
			Extractor:         registry,
			Dedup:             index,
			Invoices:          db,
			IdempotencyBucket: time.Hour,
		})
		queue = pipeline.NewQueue(proc, tracker,
			pipeline.WithWorkers(2),
			pipeline.WithBackoff(time.Millisecond, 10*time.Millisecond),
			pipeline.WithMetrics(metrics),
		)
		gateway := pipeline.NewGateway(tracker, blobs, db, queue)
		server = NewServer(gateway, db, blobs, metrics.Handler(), BasicAuth{})
		api = httptest.NewServer(server)
	})

	AfterEach(func() {
		api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		queue.Shutdown(ctx)
		provider.Close()
		links.Close()
		db.Close()
	})

	request := func(method, path string, body *bytes.Buffer, contentType string) *http.Response {
		if body == nil {
			body = &bytes.Buffer{}
		}
		req, err := http.NewRequest(method, api.URL+path, body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set(OwnerHeader, "owner-1")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	submitUpload := func(data []byte) string {
		body, ct := multipartBody("file", "scan.png", data)
		resp := request("POST", "/api/documents", body, ct)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var out map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		return out["task_id"]
	}

	status := func(id string) func() *pipeline.StatusView {
		return func() *pipeline.StatusView {
			resp := request("GET", "/api/tasks/"+id, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view pipeline.StatusView
			Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
			return &view
		}
	}

	statusOf := func(id string) func() pipeline.Status {
		return func() pipeline.Status { return status(id)().Status }
	}

	It("should extract an upload and detect its duplicate", func() {
		data := invoicePNG(10)

		first := submitUpload(data)
		Eventually(statusOf(first), 5*time.Second).Should(Equal(pipeline.StatusCompleted))
		view := status(first)()
		Expect(view.AttemptCount).To(Equal(1))

		resp := request("GET", "/api/invoices/"+view.RecordRef, nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var rec pipeline.InvoiceRecord
		Expect(json.NewDecoder(resp.Body).Decode(&rec)).To(Succeed())
		Expect(rec.Invoice.Type).To(Equal(invoice.TypeGeneralVAT))
		Expect(rec.Invoice.Field(invoice.FieldAmount)).To(Equal("119.00"))
		Expect(rec.Invoice.Field(invoice.FieldDate)).To(Equal("2024-03-20"))

		second := submitUpload(data)
		Eventually(statusOf(second), 5*time.Second).Should(Equal(pipeline.StatusDuplicate))
		Expect(status(second)().RecordRef).To(Equal(view.RecordRef))

		resp = request("GET", "/api/invoices", nil, "")
		var records []*pipeline.InvoiceRecord
		Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
		Expect(records).To(HaveLen(1))
		Expect(provider.ReceivedRequests()).To(HaveLen(1))
	})

	It("should follow an invoice link from an email", func() {
		data := invoicePNG(200)
		links.RouteToHandler("GET", "/billing/invoice-99.png", ghttp.RespondWith(http.StatusOK, data,
			http.Header{"Content-Type": []string{"image/png"}}))

		payload, err := json.Marshal(email.Payload{
			MessageID: "m-1",
			Subject:   "Your March invoice",
			Text:      "Download it here: " + links.URL() + "/billing/invoice-99.png",
		})
		Expect(err).NotTo(HaveOccurred())

		resp := request("POST", "/api/email", bytes.NewBuffer(payload), "application/json")
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var out map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())

		Eventually(statusOf(out["task_id"]), 5*time.Second).Should(Equal(pipeline.StatusCompleted))
		view := status(out["task_id"])()

		resp = request("GET", "/api/invoices/"+view.RecordRef+"/file", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
	})

	It("should fail an email without attachment or link", func() {
		payload, err := json.Marshal(email.Payload{MessageID: "m-2", Subject: "Hello", Text: "No files here."})
		Expect(err).NotTo(HaveOccurred())

		resp := request("POST", "/api/email", bytes.NewBuffer(payload), "application/json")
		var out map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())

		Eventually(statusOf(out["task_id"]), 5*time.Second).Should(Equal(pipeline.StatusFailed))
		view := status(out["task_id"])()
		Expect(view.Reason).To(Equal(pipeline.ReasonNoAttachmentFound))
		Expect(view.AttemptCount).To(Equal(0))
		Expect(provider.ReceivedRequests()).To(BeEmpty())
	})

	It("should store a degraded record for an unreadable reply", func() {
		reply = "Sorry, the image is too blurry. Total maybe 12.50?"

		id := submitUpload(invoicePNG(99))
		Eventually(statusOf(id), 5*time.Second).Should(Equal(pipeline.StatusCompleted))

		resp := request("GET", "/api/invoices/"+status(id)().RecordRef, nil, "")
		var rec pipeline.InvoiceRecord
		Expect(json.NewDecoder(resp.Body).Decode(&rec)).To(Succeed())
		Expect(rec.Invoice.Degraded).To(BeTrue())
		Expect(rec.Invoice.Type).To(Equal(invoice.TypeUnknown))
		Expect(rec.Invoice.Field(invoice.FieldAmount)).To(Equal("12.50"))
	})
})

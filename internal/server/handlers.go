package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/email"
	"github.com/zombor/invoice-intake/internal/pipeline"
)

// maxUploadSize caps multipart uploads and email webhook bodies
const maxUploadSize = int64(50 << 20)

type taskResponse struct {
	TaskID pipeline.Handle `json:"task_id"`
}

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleSubmitDocument accepts a direct upload
func (s *Server) handleSubmitDocument(w http.ResponseWriter, r *http.Request, owner string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := document.NormalizeContentType(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = document.ContentTypeFromFilename(header.Filename)
	}

	s.submit(w, r, &document.Document{
		Bytes:            data,
		SourceKind:       document.SourceUpload,
		OwnerID:          owner,
		OriginalFilename: header.Filename,
		ContentType:      contentType,
	})
}

// handleSubmitEmail accepts an inbound email already verified by the webhook layer
func (s *Server) handleSubmitEmail(w http.ResponseWriter, r *http.Request) {
	var payload email.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&payload); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		owner = payload.OwnerID
	}
	if owner == "" {
		writeError(w, "Owner required", http.StatusBadRequest)
		return
	}
	payload.OwnerID = owner

	doc, err := payload.ToDocument(owner)
	if err != nil {
		slog.Error("Error encoding email payload", "message_id", payload.MessageID, "error", err)
		writeError(w, "Invalid email payload", http.StatusBadRequest)
		return
	}
	s.submit(w, r, doc)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, doc *document.Document) {
	id, err := s.gateway.Submit(r.Context(), doc)
	if err != nil {
		if errors.Is(err, document.ErrInvalidDocument) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Error submitting document", "owner_id", doc.OwnerID, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

// handleGetTask returns the status of a task
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.gateway.GetStatus(r.Context(), pipeline.Handle(r.PathValue("id")))
	if err != nil {
		if errors.Is(err, pipeline.ErrTaskNotFound) {
			writeError(w, "Task not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting task", "task_id", r.PathValue("id"), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancelTask requests cancellation of a pending task
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.gateway.Cancel(r.Context(), pipeline.Handle(r.PathValue("id")))
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound):
		writeError(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrTaskFinished):
		writeError(w, "Task already finished", http.StatusConflict)
	case err != nil:
		slog.Error("Error cancelling task", "task_id", r.PathValue("id"), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, view)
	}
}

// handleListInvoices returns the owner's invoice records
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request, owner string) {
	records, err := s.invoices.ListInvoices(r.Context(), owner)
	if err != nil {
		slog.Error("Error listing invoices", "owner_id", owner, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*pipeline.InvoiceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ownedRecord loads a record and hides records of other owners
func (s *Server) ownedRecord(w http.ResponseWriter, r *http.Request, owner string) (*pipeline.InvoiceRecord, bool) {
	rec, err := s.invoices.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, pipeline.ErrRecordNotFound) {
		slog.Error("Error getting invoice", "record_ref", r.PathValue("id"), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if err != nil || rec.OwnerID != owner {
		writeError(w, "Invoice not found", http.StatusNotFound)
		return nil, false
	}
	return rec, true
}

// handleGetInvoice returns a single invoice record
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request, owner string) {
	rec, ok := s.ownedRecord(w, r, owner)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetInvoiceFile returns the stored file a record was extracted from
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request, owner string) {
	rec, ok := s.ownedRecord(w, r, owner)
	if !ok {
		return
	}
	data, err := s.blobs.Get(r.Context(), rec.Origin.BlobPath)
	if err != nil {
		slog.Error("Error reading invoice file", "record_ref", rec.ID, "path", rec.Origin.BlobPath, "error", err)
		writeError(w, "File not found", http.StatusNotFound)
		return
	}

	contentType := rec.Origin.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleReprocessInvoice queues a fresh extraction of an existing record
func (s *Server) handleReprocessInvoice(w http.ResponseWriter, r *http.Request, owner string) {
	rec, ok := s.ownedRecord(w, r, owner)
	if !ok {
		return
	}
	id, err := s.gateway.Reprocess(r.Context(), rec.ID)
	if err != nil {
		slog.Error("Error reprocessing invoice", "record_ref", rec.ID, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

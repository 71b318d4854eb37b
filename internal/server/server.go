package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/document"
	"github.com/zombor/invoice-intake/internal/pipeline"
)

// OwnerHeader carries the authenticated owner, set by the auth layer in front of this service
const OwnerHeader = "X-Owner-ID"

// Gateway is the intake surface the HTTP handlers drive
type Gateway interface {
	Submit(ctx context.Context, doc *document.Document) (pipeline.Handle, error)
	GetStatus(ctx context.Context, id pipeline.Handle) (*pipeline.StatusView, error)
	Reprocess(ctx context.Context, recordRef string) (pipeline.Handle, error)
	Cancel(ctx context.Context, id pipeline.Handle) (*pipeline.StatusView, error)
}

// Server handles HTTP requests for document intake and invoice records
type Server struct {
	gateway   Gateway
	invoices  pipeline.InvoiceStore
	blobs     blob.Store
	metrics   http.Handler
	basicAuth BasicAuth
	mux       *http.ServeMux
	http      *http.Server
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(gateway Gateway, invoices pipeline.InvoiceStore, blobs blob.Store, metrics http.Handler, basicAuth BasicAuth) *Server {
	return NewServerWithMux(gateway, invoices, blobs, metrics, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(gateway Gateway, invoices pipeline.InvoiceStore, blobs blob.Store, metrics http.Handler, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		gateway:   gateway,
		invoices:  invoices,
		blobs:     blobs,
		metrics:   metrics,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Intake"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ownedHandler is a handler scoped to the requesting owner
type ownedHandler func(w http.ResponseWriter, r *http.Request, owner string)

// requireOwner authenticates the request and resolves the owner from OwnerHeader
func (s *Server) requireOwner(next ownedHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, "Owner required", http.StatusBadRequest)
			return
		}
		next(w, r, owner)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+OwnerHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/documents", s.requireOwner(s.handleSubmitDocument))
	s.mux.HandleFunc("POST /api/email", s.requireAuth(s.handleSubmitEmail))

	s.mux.HandleFunc("GET /api/tasks/{id}", s.requireAuth(s.handleGetTask))
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.requireAuth(s.handleCancelTask))

	s.mux.HandleFunc("GET /api/invoices/{id}/file", s.requireOwner(s.handleGetInvoiceFile))
	s.mux.HandleFunc("POST /api/invoices/{id}/reprocess", s.requireOwner(s.handleReprocessInvoice))
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireOwner(s.handleGetInvoice))
	s.mux.HandleFunc("GET /api/invoices", s.requireOwner(s.handleListInvoices))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// Start serves HTTP on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("Starting server", "address", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}

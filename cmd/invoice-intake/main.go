package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-intake/internal/blob"
	"github.com/zombor/invoice-intake/internal/dedup"
	"github.com/zombor/invoice-intake/internal/email"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
	"github.com/zombor/invoice-intake/internal/pipeline"
	"github.com/zombor/invoice-intake/internal/server"
	"github.com/zombor/invoice-intake/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-intake")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "invoice-intake.db", "Database file path")
		storageType   = fs.StringLong("storage", "local", "Blob storage: 'local' or 'gcs'")
		storagePath   = fs.StringLong("storage-path", "./invoices", "Storage directory path for local storage")
		gcsBucket     = fs.StringLong("gcs-bucket", "", "GCS bucket for gcs storage")
		gcsPrefix     = fs.StringLong("gcs-prefix", "invoices", "Object name prefix for gcs storage")
		providerType  = fs.StringLong("provider", "gemini", "Recognition provider: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		ollamaTimeout = fs.DurationLong("ollama-timeout", 2*time.Minute, "Ollama request timeout")
		providerRate  = fs.Float64Long("provider-rate", 0, "Maximum provider calls per second (0 = unlimited)")
		providerBurst = fs.IntLong("provider-burst", 1, "Provider call burst size")
		workers       = fs.IntLong("workers", 4, "Concurrent processing tasks")
		queueSize     = fs.IntLong("queue-size", 256, "Tasks that may wait for a worker")
		maxAttempts   = fs.IntLong("max-attempts", 5, "Attempt ceiling for transient failures")
		backoff       = fs.DurationLong("backoff-initial", 2*time.Second, "First retry delay")
		maxBackoff    = fs.DurationLong("backoff-max", time.Minute, "Retry delay cap")
		taskTimeout   = fs.DurationLong("task-timeout", 3*time.Minute, "Timeout for a single processing attempt")
		linkTimeout   = fs.DurationLong("link-timeout", 30*time.Second, "Timeout for fetching an invoice link")
		linkMaxBytes  = fs.IntLong("link-max-bytes", 20<<20, "Largest download accepted from an invoice link")
		linkPattern   = fs.StringLong("link-pattern", email.DefaultLinkPattern, "Pattern a body link must match to be fetched")
		idemBucket    = fs.DurationLong("idempotency-bucket", time.Hour, "Intake time window for duplicate submissions")
		minConfidence = fs.Float64Long("fallback-min-confidence", 0.6, "Heuristic results below this confidence are flagged for review")
		cacheSize     = fs.IntLong("dedup-cache-size", 4096, "Dedup index entries kept in memory")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_INTAKE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	pattern, err := regexp.Compile(*linkPattern)
	if err != nil {
		slog.Error("Invalid link pattern", "pattern", *linkPattern, "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := store.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize recognizer based on provider
	var recognizer ocr.Recognizer
	switch *providerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini provider...", "model", *geminiModel)
		recognizer, err = ocr.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *ollamaURL, "model", *ollamaModel)
		recognizer, err = ocr.NewOllama(*ollamaURL, *ollamaModel, *ollamaTimeout)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid provider type", "type", *providerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	recognizer = ocr.NewLimited(recognizer, *providerRate, *providerBurst)
	defer recognizer.Close()

	// Initialize storage
	var blobs blob.Store
	switch *storageType {
	case "local":
		slog.Info("Initializing local storage...", "path", *storagePath)
		blobs, err = blob.NewLocalStore(*storagePath)
	case "gcs":
		slog.Info("Initializing GCS storage...", "bucket", *gcsBucket, "prefix", *gcsPrefix)
		var gcs *blob.GCSStore
		gcs, err = blob.NewGCSStore(ctx, *gcsBucket, *gcsPrefix)
		if err == nil {
			defer gcs.Close()
			blobs = gcs
		}
	default:
		err = fmt.Errorf("unknown storage type %q", *storageType)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	registry, err := invoice.NewRegistry(invoice.NewFallback(*minConfidence))
	if err != nil {
		slog.Error("Failed to initialize invoice registry", "error", err)
		os.Exit(1)
	}
	index, err := dedup.NewIndex(db, *cacheSize)
	if err != nil {
		slog.Error("Failed to initialize dedup index", "error", err)
		os.Exit(1)
	}

	metrics := pipeline.NewMetrics()
	tracker := pipeline.NewTracker(db, nil, metrics)
	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Tracker: tracker,
		Blobs:   blobs,
		Resolver: email.NewResolver(
			email.WithTimeout(*linkTimeout),
			email.WithMaxBytes(int64(*linkMaxBytes)),
			email.WithLinkPattern(pattern),
		),
		Recognizer:        recognizer,
		Extractor:         registry,
		Dedup:             index,
		Invoices:          db,
		IdempotencyBucket: *idemBucket,
	})
	queue := pipeline.NewQueue(processor, tracker,
		pipeline.WithWorkers(*workers),
		pipeline.WithQueueSize(*queueSize),
		pipeline.WithMaxAttempts(*maxAttempts),
		pipeline.WithBackoff(*backoff, *maxBackoff),
		pipeline.WithTaskTimeout(*taskTimeout),
		pipeline.WithMetrics(metrics),
	)
	gateway := pipeline.NewGateway(tracker, blobs, db, queue)

	if _, err := gateway.Recover(ctx); err != nil {
		slog.Error("Failed to recover pending tasks", "error", err)
		os.Exit(1)
	}

	// Initialize server
	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(gateway, db, blobs, metrics.Handler(), basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"version", version,
		"provider", *providerType,
		"workers", *workers,
	)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown error", "error", err)
	}
	queue.Shutdown(shutdownCtx)
}

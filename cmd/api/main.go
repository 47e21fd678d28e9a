package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvloznov/fare-ledger/internal/api/handlers"
	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/config"
	"github.com/dvloznov/fare-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/pipeline"
	"github.com/dvloznov/fare-ledger/internal/router"
)

func main() {
	var (
		configDir = flag.String("config", "", "directory containing config.yaml (default ./configs or .)")
		port      = flag.String("port", "", "HTTP server port (overrides http.port)")
		bucket    = flag.String("bucket", "", "GCS bucket for statement uploads (overrides gcp.bucket)")
	)
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.HTTP.Port = *port
	}
	if *bucket != "" {
		cfg.GCP.Bucket = *bucket
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	ctx := logger.WithContext(context.Background(), log)

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	defer svc.close()

	// Ingestion workers
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.Options{
		BufferSize: cfg.Ingest.QueueSize,
		Workers:    cfg.Ingest.Workers,
	}, jobStore, log)
	ingest := pipeline.NewIngestionPipeline(pipeline.Deps{
		Store:     svc.objects,
		Parser:    svc.parser,
		Ledger:    svc.ledger,
		Documents: svc.documents,
		MaxBytes:  cfg.Limits.MaxUploadBytes,
	})
	if err := jobQueue.Start(workerCtx, pipeline.JobHandler(ingest)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ingest workers")
	}

	limits := router.Limits{
		MaxUploadBytes:   cfg.Limits.MaxUploadBytes,
		MaxSelectedDates: cfg.Limits.MaxSelectedDates,
	}
	requestsHandler := handlers.NewRequestsHandler(svc.router, limits)
	invoicesHandler := handlers.NewInvoicesHandler(svc.ledger)
	documentsHandler := handlers.NewDocumentsHandler(svc.documents, svc.ledger)
	ingestHandler := handlers.NewIngestHandler(jobQueue, svc.objects, cfg.GCP.Bucket, cfg.Limits.MaxUploadBytes)
	jobsHandler := handlers.NewJobsHandler(jobStore)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/requests", allow(http.MethodPost, requestsHandler.Route))
	mux.HandleFunc("/api/calculations", allow(http.MethodPost, requestsHandler.Calculate))
	mux.HandleFunc("/api/chat", allow(http.MethodPost, requestsHandler.Chat))
	mux.HandleFunc("/api/documents", allow(http.MethodPost, documentsHandler.IndexDocument))

	// Invoices endpoints
	mux.HandleFunc("/api/invoices", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			invoicesHandler.ListInvoices(w, r)
		case http.MethodPost:
			requestsHandler.UploadInvoice(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})
	mux.HandleFunc("/api/invoices/ingest", allow(http.MethodPost, ingestHandler.Enqueue))
	mux.HandleFunc("/api/invoices/", allow(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/invoices/"), "/")
		id, sub, _ := strings.Cut(rest, "/")
		switch {
		case id == "":
			middleware.WriteError(w, http.StatusBadRequest, "Invoice ID is required")
		case sub == "":
			invoicesHandler.GetInvoice(w, r, id)
		case sub == "transactions":
			invoicesHandler.ListTransactions(w, r, id)
		default:
			middleware.WriteError(w, http.StatusNotFound, "Not found")
		}
	}))

	// Jobs endpoints
	mux.HandleFunc("/api/jobs", allow(http.MethodGet, jobsHandler.ListJobs))
	mux.HandleFunc("/api/jobs/", allow(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		jobsHandler.GetJob(w, r, jobID)
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := svc.ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check degraded")
			status, code = "degraded", http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, code, map[string]string{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.CORS,
		middleware.Identity("/health", "/metrics"),
		middleware.BodyLimit(cfg.Limits.MaxUploadBytes+1<<20),
	)

	server := &http.Server{
		Addr:        ":" + cfg.HTTP.Port,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// generation streams can run for the whole generate timeout
		WriteTimeout: cfg.Timeouts.Generate + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.HTTP.Port).
			Str("ledger", cfg.Ledger.Backend).
			Str("memory", cfg.Memory.Backend).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

// allow restricts h to one method.
func allow(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}

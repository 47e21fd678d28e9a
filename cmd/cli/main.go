package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/fare-ledger/internal/calculator"
	"github.com/dvloznov/fare-ledger/internal/config"
	"github.com/dvloznov/fare-ledger/internal/dateset"
	"github.com/dvloznov/fare-ledger/internal/domain"
	infraBQ "github.com/dvloznov/fare-ledger/internal/infra/bigquery"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/llm"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/pipeline"
	"github.com/dvloznov/fare-ledger/internal/vector"
)

// localOwner owns invoices parsed offline.
const localOwner = "local"

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "parse":
		runParse(log)
	case "calculate":
		runCalculate(log)
	case "upload":
		runUpload(log)
	case "ingest":
		runIngest(log)
	case "inspect":
		runInspect(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Fare Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  parse      Parse a local statement file and print its transactions")
	fmt.Println("  calculate  Parse a local statement and total the selected dates")
	fmt.Println("  upload     Upload a statement file to GCS")
	fmt.Println("  ingest     Fetch a statement from GCS and store it in the ledger")
	fmt.Println("  inspect    Show an invoice and its transactions from the ledger")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// parseLocal reads and parses path without touching any backend.
func parseLocal(ctx context.Context, path, format, tz string) (*parser.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parseLocal: reading %s: %w", path, err)
	}
	f, err := formatFor(path, format)
	if err != nil {
		return nil, err
	}
	return parser.New().Parse(ctx, parser.Input{Raw: raw, Format: f, OwnerID: localOwner, Timezone: tz})
}

func formatFor(path, explicit string) (domain.SourceFormat, error) {
	name := explicit
	if name == "" {
		name = filepath.Ext(path)
	}
	f, ok := domain.ParseSourceFormat(strings.ToLower(name))
	if !ok {
		return "", fmt.Errorf("cannot determine format of %s (use -format csv|pdf|json)", path)
	}
	return f, nil
}

func runParse(log zerolog.Logger) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	file := fs.String("file", "", "Path to a local statement (csv, pdf or json)")
	format := fs.String("format", "", "Statement format (defaults to the file extension)")
	tz := fs.String("tz", "", "Timezone used to derive calendar dates")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Usage: cli parse -file PATH [-format csv|pdf|json] [-tz ZONE]")
	}

	ctx := logger.WithContext(context.Background(), log)
	res, err := parseLocal(ctx, *file, *format, *tz)
	if err != nil {
		log.Fatal().Err(err).Msg("Parse failed")
	}

	printInvoice(os.Stdout, res.Invoice)
	renderTransactions(os.Stdout, res.Transactions)
	renderDiagnostics(os.Stdout, res.Diagnostics)
}

func runCalculate(log zerolog.Logger) {
	fs := flag.NewFlagSet("calculate", flag.ExitOnError)
	file := fs.String("file", "", "Path to a local statement (csv, pdf or json)")
	format := fs.String("format", "", "Statement format (defaults to the file extension)")
	tz := fs.String("tz", "", "Timezone used to derive calendar dates")
	dates := fs.String("dates", "", "Comma separated YYYY-MM-DD dates")
	dailyCap := fs.String("daily-cap", "", "Flat daily cap, e.g. 8.90")
	zoneCaps := fs.String("zone-caps", "", "Caps by highest zone, e.g. 2=8.90,4=13.00")
	fs.Parse(os.Args[2:])

	if *file == "" || *dates == "" {
		log.Fatal().Msg("Usage: cli calculate -file PATH -dates 2024-01-15,2024-01-16 [-daily-cap 8.90]")
	}

	caps, err := parseZoneCaps(*zoneCaps)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -zone-caps")
	}
	policy, err := calculator.NewPolicy(*dailyCap, caps)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cap policy")
	}

	ctx := logger.WithContext(context.Background(), log)
	res, err := parseLocal(ctx, *file, *format, *tz)
	if err != nil {
		log.Fatal().Err(err).Msg("Parse failed")
	}

	set, err := dateset.New(dateset.DefaultMaxDates).Normalize(strings.Split(*dates, ","), res.Invoice.ID, localOwner)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid dates")
	}

	b := calculator.New(policy).Calculate(res.Transactions, set)
	renderBreakdown(os.Stdout, b)
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucketName := fs.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket name")
	objectName := fs.String("object", "", "GCS object name (defaults to filename)")
	filePath := fs.String("file", "", "Path to local statement file")
	fs.Parse(os.Args[2:])

	if *bucketName == "" || *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -bucket NAME -file PATH")
	}
	if *objectName == "" {
		*objectName = filepath.Base(*filePath)
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read file")
	}
	format, err := formatFor(*filePath, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Unsupported file")
	}

	ctx := logger.WithContext(context.Background(), log)
	store, err := objectstore.NewGCS(ctx, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer store.Close()

	log.Info().
		Str("bucket", *bucketName).
		Str("object", *objectName).
		Str("file", *filePath).
		Msg("Uploading file to GCS")

	uri, err := store.Upload(ctx, *bucketName, *objectName, data, contentType(format))
	if err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}

	fmt.Printf("Uploaded %s to %s\n", *filePath, uri)
}

func runIngest(log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	uri := fs.String("uri", "", "gs:// URI of the statement")
	owner := fs.String("owner", "", "Owner of the invoice")
	format := fs.String("format", "", "Statement format (defaults to the object extension)")
	tz := fs.String("tz", "", "Timezone used to derive calendar dates")
	fs.Parse(os.Args[2:])

	if *uri == "" || *owner == "" {
		log.Fatal().Msg("Usage: cli ingest -uri gs://bucket/object -owner ID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	store, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer closeLedger()

	objects, err := objectstore.NewGCS(ctx, cfg.Limits.MaxUploadBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer objects.Close()

	var f domain.SourceFormat
	if *format != "" {
		if f, err = formatFor("", *format); err != nil {
			log.Fatal().Err(err).Msg("Unsupported format")
		}
	}

	log.Info().Str("uri", *uri).Str("owner_id", *owner).Msg("Starting ingestion")

	job := pipeline.NewJob(*owner, *uri, f, *tz)
	handler := pipeline.JobHandler(pipeline.NewIngestionPipeline(pipeline.Deps{
		Store:    objects,
		Parser:   parser.New(parser.WithDefaultTimezone(cfg.Calculator.Timezone)),
		Ledger:   store,
		MaxBytes: cfg.Limits.MaxUploadBytes,
	}))
	if err := handler(ctx, job); err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}

	fmt.Printf("Ingested invoice %s: %d transactions, %d rows skipped\n", job.InvoiceID, job.Transactions, job.SkippedRows)
	for _, w := range job.Warnings {
		fmt.Printf("  warning (%s): %s\n", w.Kind, w.Message)
	}
}

func runInspect(log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	invoiceID := fs.String("invoice-id", "", "Invoice ID to inspect")
	owner := fs.String("owner", "", "Owner of the invoice")
	fs.Parse(os.Args[2:])

	if *invoiceID == "" || *owner == "" {
		log.Fatal().Msg("Usage: cli inspect -invoice-id ID -owner ID")
	}

	ctx := logger.WithContext(context.Background(), log)
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	store, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer closeLedger()

	inv, err := store.GetInvoice(ctx, *invoiceID, *owner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load invoice")
	}
	txs, err := store.GetByInvoice(ctx, *invoiceID, *owner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load transactions")
	}

	printInvoice(os.Stdout, *inv)
	renderTransactions(os.Stdout, txs)
}

// openLedger opens the BigQuery ledger. Transactions are indexed for
// similarity search only when Gemini embeddings are available, because the
// index must hold vectors from the same model the server queries with.
func openLedger(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*ledger.Store, func(), error) {
	if cfg.Ledger.Backend != "bigquery" {
		return nil, nil, fmt.Errorf("openLedger: ledger.backend is %q; the CLI needs bigquery", cfg.Ledger.Backend)
	}
	bq, err := infraBQ.NewClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Dataset)
	if err != nil {
		return nil, nil, fmt.Errorf("openLedger: %w", err)
	}
	repo := infraBQ.NewLedgerRepository(bq)

	gemini, err := llm.NewClient(ctx, llm.Config{
		APIKey:              cfg.Gemini.APIKey,
		Model:               cfg.Gemini.Model,
		EmbeddingModel:      cfg.Gemini.EmbeddingModel,
		EmbeddingDimensions: cfg.Gemini.EmbeddingDimensions,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Gemini unavailable - transactions will not be indexed for similarity search")
		return ledger.NewStore(repo, nil, nil), func() { bq.Close() }, nil
	}
	var index vector.Index = infraBQ.NewVectorIndex(bq, cfg.Gemini.EmbeddingDimensions)
	return ledger.NewStore(repo, index, gemini), func() { bq.Close() }, nil
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/fare-ledger/internal/calculator"
	"github.com/dvloznov/fare-ledger/internal/config"
	"github.com/dvloznov/fare-ledger/internal/domain"
	infraBQ "github.com/dvloznov/fare-ledger/internal/infra/bigquery"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/llm"
	"github.com/dvloznov/fare-ledger/internal/memory"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
	"github.com/dvloznov/fare-ledger/internal/router"
	"github.com/dvloznov/fare-ledger/internal/upstream"
	"github.com/dvloznov/fare-ledger/internal/vector"
)

// services holds the long-lived collaborators of the server.
type services struct {
	parser    *parser.Parser
	ledger    *ledger.Store
	documents *retrieval.Documents
	router    *router.Router
	objects   objectstore.Store

	pingers []func(context.Context) error
	closers []func() error
}

func (s *services) ping(ctx context.Context) error {
	for _, p := range s.pingers {
		if err := p(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// unavailableGenerator answers every generation call with
// UpstreamUnavailable, so chats degrade instead of failing.
type unavailableGenerator struct{ reason string }

func (g unavailableGenerator) Generate(context.Context, string, string, func(string) error) (string, error) {
	return "", domain.Errorf(domain.KindUpstreamUnavailable, "generate", "generation is not configured: %s", g.reason)
}

func buildServices(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*services, error) {
	svc := &services{}

	embedPolicy := upstream.Policy{Timeout: cfg.Timeouts.Embed, Retries: 1}
	searchPolicy := upstream.Policy{Timeout: cfg.Timeouts.Search, Retries: 1}
	upsertPolicy := upstream.Policy{Timeout: cfg.Timeouts.Search}
	generatePolicy := upstream.Policy{Timeout: cfg.Timeouts.Generate, Retries: 1}

	// Model capabilities
	var (
		embedder  vector.Embedder = vector.HashEmbedder{Dimensions: cfg.Gemini.EmbeddingDimensions}
		generator upstream.TextGenerator
		extractor parser.TextExtractor = parser.LocalPDFExtractor{}
	)
	gemini, err := llm.NewClient(ctx, llm.Config{
		APIKey:              cfg.Gemini.APIKey,
		Model:               cfg.Gemini.Model,
		EmbeddingModel:      cfg.Gemini.EmbeddingModel,
		EmbeddingDimensions: cfg.Gemini.EmbeddingDimensions,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Gemini unavailable - using hash embeddings and no generation")
		generator = unavailableGenerator{reason: err.Error()}
	} else {
		embedder = gemini
		generator = gemini
		if cfg.Gemini.UseForPDF {
			extractor = upstream.NewPDFExtractor(gemini, generatePolicy, log)
		}
	}
	embedder = upstream.NewEmbedder(embedder, embedPolicy, log)

	// Ledger and vector index
	var (
		ledgerRepo ledger.Repository
		index      vector.Index
	)
	switch cfg.Ledger.Backend {
	case "bigquery":
		bq, err := infraBQ.NewClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Dataset)
		if err != nil {
			return nil, fmt.Errorf("buildServices: bigquery: %w", err)
		}
		svc.closers = append(svc.closers, bq.Close)
		ledgerRepo = infraBQ.NewLedgerRepository(bq)
		index = infraBQ.NewVectorIndex(bq, cfg.Gemini.EmbeddingDimensions)
	default:
		ledgerRepo = ledger.NewMemoryRepository()
		index = vector.NewMemoryIndex()
	}
	index = upstream.NewIndex(index, searchPolicy, upsertPolicy, log)

	// Conversational memory
	var memRepo memory.Repository
	switch cfg.Memory.Backend {
	case "redis":
		rr, err := memory.NewRedisRepository(ctx, cfg.Redis.URL, cfg.Memory.SessionTTL)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("buildServices: redis: %w", err)
		}
		svc.closers = append(svc.closers, rr.Close)
		svc.pingers = append(svc.pingers, rr.Ping)
		memRepo = rr
	default:
		memRepo = memory.NewMemoryRepository(cfg.Memory.SessionTTL)
	}

	// Object storage
	if cfg.GCP.Bucket != "" {
		gcs, err := objectstore.NewGCS(ctx, cfg.Limits.MaxUploadBytes)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("buildServices: storage: %w", err)
		}
		svc.closers = append(svc.closers, gcs.Close)
		svc.objects = gcs
	} else {
		log.Warn().Msg("No GCS bucket configured - ingestion reads from an in-process store")
		svc.objects = objectstore.NewMemoryStore()
	}

	policy, err := calculator.NewPolicy(cfg.Calculator.DailyCap, cfg.Calculator.ZoneCaps)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("buildServices: %w", err)
	}

	svc.parser = parser.New(
		parser.WithPDFExtractor(extractor),
		parser.WithDefaultTimezone(cfg.Calculator.Timezone),
	)
	svc.ledger = ledger.NewStore(ledgerRepo, index, embedder)
	svc.documents = retrieval.NewDocuments(index, embedder)
	svc.router = router.New(router.Deps{
		Parser:     svc.parser,
		Ledger:     svc.ledger,
		Calculator: calculator.New(policy),
		Memory:     memory.NewStore(memRepo, index, embedder),
		Documents:  svc.documents,
		Generator:  upstream.NewGenerator(generator, generatePolicy, log),
	}, router.Options{
		WindowSize: cfg.Memory.WindowSize,
		TopK:       cfg.Retrieval.TopK,
	})
	return svc, nil
}

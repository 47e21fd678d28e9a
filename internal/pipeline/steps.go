// Package pipeline ingests statement files from object storage into the
// ledger as a fixed sequence of steps.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/parser"
)

// Step is a single step in the ingestion pipeline.
type Step interface {
	Name() string
	Execute(ctx context.Context, state *State) error
}

// State is shared by the steps of one run.
type State struct {
	OwnerID  string
	URI      string
	Format   domain.SourceFormat
	Timezone string

	Raw     []byte
	Result  *parser.Result
	Warning *domain.Warning
}

// Fetcher reads a statement file.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Parser parses statement bytes.
type Parser interface {
	Parse(ctx context.Context, in parser.Input) (*parser.Result, error)
}

// Ledger stores a parsed invoice.
type Ledger interface {
	Store(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) (*domain.Warning, error)
}

// SummaryIndexer indexes an invoice summary for document search.
type SummaryIndexer interface {
	IndexInvoiceSummary(ctx context.Context, inv domain.Invoice) error
}

// FetchStep downloads the file.
type FetchStep struct {
	Store    Fetcher
	MaxBytes int64
}

func (s *FetchStep) Name() string { return "fetch" }

func (s *FetchStep) Execute(ctx context.Context, state *State) error {
	raw, err := s.Store.Fetch(ctx, state.URI)
	if err != nil {
		return err
	}
	if s.MaxBytes > 0 && int64(len(raw)) > s.MaxBytes {
		return domain.Errorf(domain.KindCapacityExceeded, "pipeline.Fetch", "%s is %d bytes, limit %d", state.URI, len(raw), s.MaxBytes)
	}
	state.Raw = raw
	return nil
}

// DetectFormatStep fills in the format from the file extension when the
// job did not name one.
type DetectFormatStep struct{}

func (s *DetectFormatStep) Name() string { return "detect_format" }

func (s *DetectFormatStep) Execute(_ context.Context, state *State) error {
	if state.Format != "" {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(state.URI)), ".")
	f, ok := domain.ParseSourceFormat(ext)
	if !ok {
		return domain.Errorf(domain.KindMalformedInput, "pipeline.DetectFormat", "cannot infer format of %s", state.URI)
	}
	state.Format = f
	return nil
}

// ParseStep turns the bytes into an invoice.
type ParseStep struct {
	Parser Parser
}

func (s *ParseStep) Name() string { return "parse" }

func (s *ParseStep) Execute(ctx context.Context, state *State) error {
	res, err := s.Parser.Parse(ctx, parser.Input{
		Raw:      state.Raw,
		Format:   state.Format,
		OwnerID:  state.OwnerID,
		Timezone: state.Timezone,
	})
	if err != nil {
		return err
	}
	state.Result = res
	return nil
}

// ValidateStep guards the ledger write: every transaction must belong to
// the invoice and owner being ingested.
type ValidateStep struct{}

func (s *ValidateStep) Name() string { return "validate" }

func (s *ValidateStep) Execute(_ context.Context, state *State) error {
	if state.Result == nil {
		return domain.Errorf(domain.KindInternal, "pipeline.Validate", "nothing parsed")
	}
	inv := state.Result.Invoice
	if inv.OwnerID != state.OwnerID {
		return domain.Errorf(domain.KindTenancyViolation, "pipeline.Validate", "invoice %s owner mismatch", inv.ID)
	}
	for _, t := range state.Result.Transactions {
		if t.InvoiceID != inv.ID || t.OwnerID != state.OwnerID {
			return domain.Errorf(domain.KindTenancyViolation, "pipeline.Validate", "transaction %s does not belong to invoice %s", t.ID, inv.ID)
		}
	}
	return nil
}

// StoreStep commits the invoice to the ledger.
type StoreStep struct {
	Ledger Ledger
}

func (s *StoreStep) Name() string { return "store" }

func (s *StoreStep) Execute(ctx context.Context, state *State) error {
	w, err := s.Ledger.Store(ctx, state.Result.Invoice, state.Result.Transactions)
	if err != nil {
		return err
	}
	state.Warning = w
	return nil
}

// IndexSummaryStep makes the invoice findable by document search. A
// failure here is logged, not returned: the ledger write already happened.
type IndexSummaryStep struct {
	Documents SummaryIndexer
}

func (s *IndexSummaryStep) Name() string { return "index_summary" }

func (s *IndexSummaryStep) Execute(ctx context.Context, state *State) error {
	if s.Documents == nil {
		return nil
	}
	if err := s.Documents.IndexInvoiceSummary(ctx, state.Result.Invoice); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("invoice_id", state.Result.Invoice.ID).Msg("invoice summary not indexed")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []Step
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially, stopping at the first failure.
func (p *Pipeline) Execute(ctx context.Context, state *State) error {
	log := logger.FromContext(ctx)
	for i, step := range p.steps {
		start := time.Now()
		err := step.Execute(ctx, state)
		metrics.StageDuration.WithLabelValues("ingest_" + step.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
		log.Debug().Str("step", step.Name()).Dur("elapsed", time.Since(start)).Msg("ingest step done")
	}
	return nil
}

// Deps are the collaborators of the standard ingestion pipeline.
type Deps struct {
	Store     Fetcher
	Parser    Parser
	Ledger    Ledger
	Documents SummaryIndexer
	MaxBytes  int64
}

// NewIngestionPipeline returns the standard fetch, parse, store and index
// sequence.
func NewIngestionPipeline(d Deps) *Pipeline {
	return NewPipeline(
		&FetchStep{Store: d.Store, MaxBytes: d.MaxBytes},
		&DetectFormatStep{},
		&ParseStep{Parser: d.Parser},
		&ValidateStep{},
		&StoreStep{Ledger: d.Ledger},
		&IndexSummaryStep{Documents: d.Documents},
	)
}

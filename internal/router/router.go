// Package router drives one classified request through the parser, ledger,
// calculator, retrieval and generation stages and assembles the response.
//
// The router only sequences calls and merges their outputs. It never looks
// at individual transactions itself, and it never hands computed figures to
// the generator for anything but verbatim quotation.
package router

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/memory"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
)

// Parser parses uploaded statements.
type Parser interface {
	Parse(ctx context.Context, in parser.Input) (*parser.Result, error)
}

// Ledger is the owner-scoped invoice store.
type Ledger interface {
	Store(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) (*domain.Warning, error)
	GetInvoice(ctx context.Context, invoiceID, ownerID string) (*domain.Invoice, error)
	GetByInvoice(ctx context.Context, invoiceID, ownerID string) ([]domain.Transaction, error)
	FindSimilar(ctx context.Context, ownerID, queryText, invoiceID string, k int) ([]ledger.ScoredTransaction, error)
}

// Calculator computes date-scoped breakdowns.
type Calculator interface {
	Calculate(txs []domain.Transaction, set domain.SelectedDateSet) domain.CostBreakdown
}

// Memory is the conversational memory.
type Memory interface {
	Append(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error)
	LoadRecent(ctx context.Context, ownerID, sessionID string, n int) ([]domain.MemoryEntry, error)
	LoadSimilar(ctx context.Context, ownerID, queryText string, k int) ([]memory.ScoredEntry, error)
}

// Documents is the document collection.
type Documents interface {
	IndexInvoiceSummary(ctx context.Context, inv domain.Invoice) error
	Search(ctx context.Context, ownerID, query, invoiceID string, k int) ([]retrieval.DocumentHit, error)
}

// Generator phrases an answer. onChunk receives streamed text and may be nil.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error)
}

// Deps are the router's collaborators. Documents may be nil.
type Deps struct {
	Parser     Parser
	Ledger     Ledger
	Calculator Calculator
	Memory     Memory
	Documents  Documents
	Generator  Generator
}

// Options tune retrieval.
type Options struct {
	// WindowSize is how many recent turns of the session go into the prompt.
	WindowSize int
	// TopK bounds each similarity lookup.
	TopK int
}

// Diagnostics collects everything that was skipped, clamped or adjusted
// while handling the request.
type Diagnostics struct {
	SkippedRows    int                 `json:"skipped_rows"`
	IgnoredLines   int                 `json:"ignored_lines,omitempty"`
	Skipped        []parser.SkippedRow `json:"skipped,omitempty"`
	UnmatchedDates []civil.Date        `json:"unmatched_dates"`
	CappedDates    []civil.Date        `json:"capped_dates"`
	Warnings       []domain.Warning    `json:"warnings"`
}

// Response is the single object a request produces.
type Response struct {
	Kind          Kind                  `json:"kind"`
	CascadedKind  Kind                  `json:"cascaded_kind,omitempty"`
	Invoice       *domain.Invoice       `json:"invoice,omitempty"`
	Transactions  int                   `json:"transactions,omitempty"`
	Breakdown     *domain.CostBreakdown `json:"breakdown,omitempty"`
	Answer        string                `json:"answer,omitempty"`
	Sources       []retrieval.Source    `json:"sources,omitempty"`
	Degraded      bool                  `json:"degraded"`
	MemoryEntryID string                `json:"memory_entry_id,omitempty"`
	Diagnostics   Diagnostics           `json:"diagnostics"`
	Trace         []StageRecord         `json:"trace"`
}

// Router is safe for concurrent use; it holds no per-request state.
type Router struct {
	deps Deps
	opts Options
}

// New returns a Router. Zero options fall back to the memory window default
// and five results per lookup.
func New(deps Deps, opts Options) *Router {
	if opts.WindowSize <= 0 {
		opts.WindowSize = memory.DefaultWindowSize
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Router{deps: deps, opts: opts}
}

// Handle runs env to completion. Returned errors are fatal to the request;
// upstream failures on the free-text tail degrade the response instead.
func (r *Router) Handle(ctx context.Context, env Envelope, onChunk func(string) error) (*Response, error) {
	start := time.Now()
	ctx = logger.WithRequest(ctx, env.OwnerID(), env.SessionID())
	log := logger.FromContext(ctx).With().Str("kind", string(env.Kind())).Logger()
	ctx = logger.WithContext(ctx, log)

	out := outputs{}.withStage(StateReceived, "", env.ReceivedAt(), false)
	out = out.withStage(StateClassified, "", start, false)

	resp := &Response{Kind: env.Kind()}
	out, err := r.dispatch(ctx, env, out, resp, onChunk)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(string(env.Kind()), "error").Inc()
		log.Warn().Err(err).Str("error_kind", string(domain.KindOf(err))).Msg("request failed")
		return nil, err
	}

	out = r.updateMemory(ctx, env, out)
	out = out.withStage(StateResponded, "", start, false)

	r.assemble(resp, out)
	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
	}
	metrics.RequestsTotal.WithLabelValues(string(env.Kind()), outcome).Inc()
	log.Info().
		Str("outcome", outcome).
		Int("warnings", len(resp.Diagnostics.Warnings)).
		Dur("elapsed", time.Since(start)).
		Msg("request handled")
	return resp, nil
}

func (r *Router) dispatch(ctx context.Context, env Envelope, out outputs, resp *Response, onChunk func(string) error) (outputs, error) {
	var err error
	switch env.Kind() {
	case KindInvoiceUpload:
		out, err = r.upload(ctx, env, out)
		if err != nil {
			return out, err
		}
		next, ok := env.cascade(out.upload.result.Invoice.ID)
		if !ok {
			return out, nil
		}
		resp.CascadedKind = next.Kind()
		log := logger.FromContext(ctx)
		log.Debug().Str("cascaded_kind", string(next.Kind())).Msg("cascading after upload")
		return r.dispatch(ctx, next, out, resp, onChunk)

	case KindCostCalculation:
		out, err = r.calculate(ctx, env, out, StateDateScoped)
		if err != nil {
			return out, err
		}
		b := out.breakdown
		log := logger.FromContext(ctx)
		log.Info().
			Str("invoice_id", b.InvoiceID).
			Str("total", b.TotalAmount.String()).
			Int("unmatched_dates", len(b.UnmatchedDates)).
			Msg("calculation served")
		return out, nil

	case KindInvoiceChat, KindGeneralDocumentChat:
		return r.chat(ctx, env, out, StateChat, onChunk)

	case KindCombined:
		out, err = r.calculate(ctx, env, out, StateCombined)
		if err != nil {
			return out, err
		}
		return r.chat(ctx, env, out, StateCombined, onChunk)
	}
	return out, domain.Errorf(domain.KindInternal, "router.Handle", "unhandled kind %q", env.Kind())
}

// upload parses and stores the statement. The store runs detached from the
// caller so a disconnect cannot lose a parsed invoice.
func (r *Router) upload(ctx context.Context, env Envelope, out outputs) (outputs, error) {
	up := env.Upload()
	begin := time.Now()
	res, err := r.deps.Parser.Parse(ctx, parser.Input{
		Raw:      up.Data,
		Format:   up.Format,
		OwnerID:  env.OwnerID(),
		Timezone: up.Timezone,
	})
	if err != nil {
		return out, err
	}
	out = out.withStage(StateInvoiceUpload, "parse", begin, false)

	begin = time.Now()
	persistCtx := context.WithoutCancel(ctx)
	warning, err := r.deps.Ledger.Store(persistCtx, res.Invoice, res.Transactions)
	if err != nil {
		return out, err
	}
	out = out.withUpload(uploadOutput{result: res, warning: warning})
	if warning != nil {
		out = out.withWarning(*warning)
	}
	out = out.withStage(StateInvoiceUpload, "store", begin, false)

	if r.deps.Documents != nil {
		begin = time.Now()
		if err := r.deps.Documents.IndexInvoiceSummary(persistCtx, res.Invoice); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("invoice_id", res.Invoice.ID).Msg("invoice summary not indexed")
			out = out.withWarning(degradedWarning("invoice summary was not indexed for document search", err))
		}
		out = out.withStage(StateInvoiceUpload, "index_summary", begin, false)
	}
	return out, nil
}

func (r *Router) calculate(ctx context.Context, env Envelope, out outputs, state State) (outputs, error) {
	begin := time.Now()
	txs, err := r.deps.Ledger.GetByInvoice(ctx, env.InvoiceID(), env.OwnerID())
	if err != nil {
		return out, err
	}
	b := r.deps.Calculator.Calculate(txs, env.DateSet())
	out = out.withBreakdown(b)
	return out.withStage(state, "calculate", begin, false), nil
}

// chat retrieves context, generates the answer and records sources. Every
// lookup finishes before the prompt is built.
func (r *Router) chat(ctx context.Context, env Envelope, out outputs, state State, onChunk func(string) error) (outputs, error) {
	begin := time.Now()
	rc, warnings, err := r.retrieve(ctx, env, out)
	if err != nil {
		return out, err
	}
	for _, w := range warnings {
		out = out.withWarning(w)
	}
	out = out.withContext(rc)
	out = out.withStage(state, "retrieve", begin, false)

	begin = time.Now()
	system, prompt := rc.Prompt()
	text, err := r.deps.Generator.Generate(ctx, system, prompt, onChunk)
	gen := generationOutput{text: text}
	if err != nil {
		gen.degraded = true
		gen.reason = err.Error()
		msg := "answer could not be generated; returning computed results only"
		if ctx.Err() != nil {
			msg = "request was cancelled before the answer completed"
		}
		out = out.withWarning(degradedWarning(msg, err))
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Int("partial_chars", len(text)).Msg("generation failed, degrading")
	}
	out = out.withGeneration(gen)
	return out.withStage(state, "generate", begin, false), nil
}

func (r *Router) retrieve(ctx context.Context, env Envelope, out outputs) (retrieval.Context, []domain.Warning, error) {
	var warnings []domain.Warning
	// Tenancy violations stay fatal; anything else costs context, not the request.
	soft := func(what string, err error) error {
		if domain.IsKind(err, domain.KindTenancyViolation) {
			return err
		}
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("lookup", what).Msg("retrieval lookup failed")
		warnings = append(warnings, degradedWarning(what+" unavailable", err))
		return nil
	}

	rc := retrieval.Context{Query: env.Query(), Breakdown: out.breakdown}
	owner, invoiceID := env.OwnerID(), env.InvoiceID()

	if invoiceID != "" {
		inv, err := r.deps.Ledger.GetInvoice(ctx, invoiceID, owner)
		if err != nil {
			return rc, nil, err
		}
		rc.Invoice = inv
	} else if out.upload != nil {
		inv := out.upload.result.Invoice
		rc.Invoice = &inv
	}

	recent, err := r.deps.Memory.LoadRecent(ctx, owner, env.SessionID(), r.opts.WindowSize)
	if err != nil {
		if err := soft("conversation history", err); err != nil {
			return rc, nil, err
		}
	}
	rc.Recent = recent

	similar, err := r.deps.Memory.LoadSimilar(ctx, owner, env.Query(), r.opts.TopK)
	if err != nil {
		if err := soft("related conversations", err); err != nil {
			return rc, nil, err
		}
	}
	rc.Similar = dropRecent(similar, recent)

	txs, err := r.deps.Ledger.FindSimilar(ctx, owner, env.Query(), invoiceID, r.opts.TopK)
	if err != nil {
		if err := soft("transaction search", err); err != nil {
			return rc, nil, err
		}
	}
	rc.Transactions = txs

	if r.deps.Documents != nil {
		docs, err := r.deps.Documents.Search(ctx, owner, env.Query(), invoiceID, r.opts.TopK)
		if err != nil {
			if err := soft("document search", err); err != nil {
				return rc, nil, err
			}
		}
		rc.Documents = docs
	}
	return rc, warnings, nil
}

// updateMemory stores the exchange on free-text paths that produced an
// answer. The append is detached from the caller and completes before the
// response is returned, so the next request in the session sees it.
func (r *Router) updateMemory(ctx context.Context, env Envelope, out outputs) outputs {
	begin := time.Now()
	if out.generation == nil || out.generation.degraded || out.generation.text == "" {
		return out.withStage(StateMemoryUpdated, "memory", begin, true)
	}

	entry := domain.MemoryEntry{
		SessionID:         env.SessionID(),
		OwnerID:           env.OwnerID(),
		UserQuery:         env.Query(),
		AssistantResponse: out.generation.text,
	}
	if out.context != nil {
		entry.ReferencedTransactionIDs = out.context.TransactionIDs()
		if out.context.Invoice != nil {
			entry.ReferencedInvoiceID = out.context.Invoice.ID
		}
	}

	stored, err := r.deps.Memory.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("conversation turn not stored")
		out = out.withWarning(degradedWarning("conversation turn was not fully stored", err))
		return out.withStage(StateMemoryUpdated, "memory", begin, false)
	}
	out = out.withMemory(stored)
	return out.withStage(StateMemoryUpdated, "memory", begin, false)
}

func (r *Router) assemble(resp *Response, out outputs) {
	diag := Diagnostics{
		UnmatchedDates: []civil.Date{},
		CappedDates:    []civil.Date{},
		Warnings:       []domain.Warning{},
	}
	if out.upload != nil {
		res := out.upload.result
		inv := res.Invoice
		resp.Invoice = &inv
		resp.Transactions = len(res.Transactions)
		diag.SkippedRows = res.Diagnostics.SkippedRows
		diag.IgnoredLines = res.Diagnostics.IgnoredLines
		diag.Skipped = res.Diagnostics.Skipped
		diag.Warnings = append(diag.Warnings, res.Diagnostics.Warnings...)
	}
	if out.breakdown != nil {
		b := *out.breakdown
		resp.Breakdown = &b
		diag.UnmatchedDates = append(diag.UnmatchedDates, b.UnmatchedDates...)
		diag.CappedDates = append(diag.CappedDates, b.CappedDates...)
	}
	if out.context != nil {
		resp.Sources = out.context.Sources()
		if resp.Invoice == nil && out.context.Invoice != nil {
			inv := *out.context.Invoice
			resp.Invoice = &inv
		}
	}
	if out.generation != nil {
		resp.Answer = out.generation.text
		resp.Degraded = out.generation.degraded
		if resp.Degraded {
			// Partial text from a broken stream is not an answer.
			resp.Answer = ""
		}
	}
	if out.memory != nil {
		resp.MemoryEntryID = out.memory.ID
	}
	diag.Warnings = append(diag.Warnings, out.warnings...)
	resp.Diagnostics = diag
	resp.Trace = out.trace
}

func degradedWarning(msg string, err error) domain.Warning {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = domain.KindUpstreamUnavailable
	}
	return domain.Warning{Kind: kind, Message: msg + ": " + err.Error()}
}

// dropRecent removes similar turns already present in the recent window.
func dropRecent(similar []memory.ScoredEntry, recent []domain.MemoryEntry) []memory.ScoredEntry {
	if len(similar) == 0 || len(recent) == 0 {
		return similar
	}
	seen := make(map[string]bool, len(recent))
	for _, e := range recent {
		seen[e.ID] = true
	}
	kept := similar[:0:0]
	for _, s := range similar {
		if !seen[s.Entry.ID] {
			kept = append(kept, s)
		}
	}
	return kept
}

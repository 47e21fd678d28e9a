package router

import (
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
)

// State is a pipeline state. A request always ends in StateResponded.
type State string

const (
	StateReceived      State = "received"
	StateClassified    State = "classified"
	StateInvoiceUpload State = "invoiceUpload"
	StateDateScoped    State = "dateScoped"
	StateChat          State = "chat"
	StateCombined      State = "combined"
	StateMemoryUpdated State = "memoryUpdated"
	StateResponded     State = "responded"
)

// StageRecord is one entry of the response trace.
type StageRecord struct {
	State      State   `json:"state"`
	Stage      string  `json:"stage,omitempty"`
	DurationMS float64 `json:"duration_ms"`
	Skipped    bool    `json:"skipped,omitempty"`
}

type uploadOutput struct {
	result  *parser.Result
	warning *domain.Warning
}

type generationOutput struct {
	text     string
	degraded bool
	reason   string
}

// outputs accumulates each stage's result. Stages receive it by value and
// return their own output; only the driver folds outputs in, each slot at
// most once.
type outputs struct {
	upload     *uploadOutput
	breakdown  *domain.CostBreakdown
	context    *retrieval.Context
	generation *generationOutput
	memory     *domain.MemoryEntry
	warnings   []domain.Warning
	trace      []StageRecord
}

func (o outputs) withUpload(u uploadOutput) outputs {
	if o.upload != nil {
		panic("router: upload output set twice")
	}
	o.upload = &u
	return o
}

func (o outputs) withBreakdown(b domain.CostBreakdown) outputs {
	if o.breakdown != nil {
		panic("router: breakdown set twice")
	}
	o.breakdown = &b
	return o
}

func (o outputs) withContext(c retrieval.Context) outputs {
	if o.context != nil {
		panic("router: retrieval context set twice")
	}
	o.context = &c
	return o
}

func (o outputs) withGeneration(g generationOutput) outputs {
	if o.generation != nil {
		panic("router: generation output set twice")
	}
	o.generation = &g
	return o
}

func (o outputs) withMemory(m domain.MemoryEntry) outputs {
	if o.memory != nil {
		panic("router: memory entry set twice")
	}
	o.memory = &m
	return o
}

func (o outputs) withWarning(w domain.Warning) outputs {
	o.warnings = append(append([]domain.Warning(nil), o.warnings...), w)
	return o
}

func (o outputs) withStage(state State, stage string, start time.Time, skipped bool) outputs {
	d := time.Since(start)
	if stage != "" && !skipped {
		metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
	rec := StageRecord{State: state, Stage: stage, DurationMS: float64(d.Microseconds()) / 1000, Skipped: skipped}
	o.trace = append(append([]StageRecord(nil), o.trace...), rec)
	return o
}

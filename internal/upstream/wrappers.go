package upstream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/vector"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// batchEmbedder mirrors ledger.BatchEmbedder without importing it.
type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is a resilient vector.Embedder.
type Embedder struct {
	next   vector.Embedder
	policy Policy
	cb     *gobreaker.CircuitBreaker
}

func NewEmbedder(next vector.Embedder, p Policy, log zerolog.Logger) *Embedder {
	return &Embedder{next: next, policy: p, cb: newBreaker(CapabilityEmbed, log)}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return call(ctx, CapabilityEmbed, e.policy, e.cb, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// EmbedBatch uses the wrapped embedder's batch call when it has one.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return call(ctx, CapabilityEmbed, e.policy, e.cb, func(ctx context.Context) ([][]float32, error) {
		if b, ok := e.next.(batchEmbedder); ok {
			return b.EmbedBatch(ctx, texts)
		}
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v, err := e.next.Embed(ctx, t)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	})
}

// Index is a resilient vector.Index. Upserts are not retried.
type Index struct {
	next         vector.Index
	searchPolicy Policy
	upsertPolicy Policy
	cb           *gobreaker.CircuitBreaker
}

func NewIndex(next vector.Index, search, upsert Policy, log zerolog.Logger) *Index {
	upsert.Retries = 0
	return &Index{next: next, searchPolicy: search, upsertPolicy: upsert, cb: newBreaker(CapabilitySearch, log)}
}

func (x *Index) Search(ctx context.Context, collection string, vec []float32, filter vector.Filter, k int) ([]vector.Hit, error) {
	return call(ctx, CapabilitySearch, x.searchPolicy, x.cb, func(ctx context.Context) ([]vector.Hit, error) {
		return x.next.Search(ctx, collection, vec, filter, k)
	})
}

func (x *Index) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	_, err := call(ctx, CapabilityUpsert, x.upsertPolicy, x.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.next.Upsert(ctx, collection, records)
	})
	return err
}

// TextGenerator is the generation capability.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error)
}

// Generator is a resilient TextGenerator. It retries only when nothing has
// been streamed yet; once a chunk reached the caller a failure is final.
type Generator struct {
	next   TextGenerator
	policy Policy
	cb     *gobreaker.CircuitBreaker
}

func NewGenerator(next TextGenerator, p Policy, log zerolog.Logger) *Generator {
	return &Generator{next: next, policy: p, cb: newBreaker(CapabilityGenerate, log)}
}

// Generate returns whatever text was produced alongside any error.
func (g *Generator) Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
	var streamed atomic.Bool
	var partial string

	// Without a caller callback nothing leaves this wrapper, so a broken
	// stream can still be retried.
	forward := func(chunk string) error {
		if onChunk == nil {
			return nil
		}
		streamed.Store(true)
		return onChunk(chunk)
	}

	attempts := g.policy.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		p := g.policy
		p.Retries = 0
		text, err := call(ctx, CapabilityGenerate, p, g.cb, func(ctx context.Context) (string, error) {
			out, err := g.next.Generate(ctx, system, prompt, forward)
			partial = out
			return out, err
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if streamed.Load() || ctx.Err() != nil {
			break
		}
	}
	return partial, fmt.Errorf("Generate: %w", lastErr)
}

// TextExtractor is the PDF transcription capability.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// PDFExtractor wraps a model-backed extractor with a timeout and breaker.
// Transcription is expensive, so it is not retried.
type PDFExtractor struct {
	next   TextExtractor
	policy Policy
	cb     *gobreaker.CircuitBreaker
}

func NewPDFExtractor(next TextExtractor, p Policy, log zerolog.Logger) *PDFExtractor {
	p.Retries = 0
	return &PDFExtractor{next: next, policy: p, cb: newBreaker(CapabilityExtract, log)}
}

func (x *PDFExtractor) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	return call(ctx, CapabilityExtract, x.policy, x.cb, func(ctx context.Context) (string, error) {
		return x.next.ExtractText(ctx, pdf)
	})
}

// IsUnavailable reports whether err is a final upstream failure.
func IsUnavailable(err error) bool {
	return domain.IsKind(err, domain.KindUpstreamUnavailable)
}

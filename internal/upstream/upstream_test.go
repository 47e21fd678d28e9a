package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/vector"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.EmbedFunc(ctx, text)
}

type mockGenerator struct {
	GenerateFunc func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
	return m.GenerateFunc(ctx, system, prompt, onChunk)
}

var testPolicy = Policy{Timeout: time.Second, Retries: 1, InitialDelay: time.Millisecond}

func TestEmbedder_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	next := &mockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return []float32{1, 2}, nil
	}}
	e := NewEmbedder(next, testPolicy, zerolog.Nop())

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedder_FinalFailureIsUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	next := &mockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("down")
	}}
	e := NewEmbedder(next, testPolicy, zerolog.Nop())

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedder_Timeout(t *testing.T) {
	next := &mockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := NewEmbedder(next, Policy{Timeout: 10 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	_, err := e.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestEmbedder_CallerCancellationNotRetried(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	next := &mockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		cancel()
		return nil, ctx.Err()
	}}
	e := NewEmbedder(next, testPolicy, zerolog.Nop())

	_, err := e.Embed(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerator_RetriesWhenNothingStreamed(t *testing.T) {
	var calls atomic.Int32
	next := &mockGenerator{GenerateFunc: func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("overloaded")
		}
		_ = onChunk("hello ")
		_ = onChunk("world")
		return "hello world", nil
	}}
	g := NewGenerator(next, testPolicy, zerolog.Nop())

	var chunks []string
	text, err := g.Generate(context.Background(), "sys", "prompt", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, []string{"hello ", "world"}, chunks)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerator_NoRetryAfterPartialStream(t *testing.T) {
	var calls atomic.Int32
	next := &mockGenerator{GenerateFunc: func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
		calls.Add(1)
		_ = onChunk("partial")
		return "partial", errors.New("stream broke")
	}}
	g := NewGenerator(next, testPolicy, zerolog.Nop())

	var chunks []string
	text, err := g.Generate(context.Background(), "", "prompt", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, "partial", text)
	assert.Equal(t, []string{"partial"}, chunks)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerator_NonStreamingRetriesBrokenStream(t *testing.T) {
	var calls atomic.Int32
	next := &mockGenerator{GenerateFunc: func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
		if calls.Add(1) == 1 {
			_ = onChunk("part")
			return "part", errors.New("stream broke")
		}
		_ = onChunk("full answer")
		return "full answer", nil
	}}
	g := NewGenerator(next, testPolicy, zerolog.Nop())

	text, err := g.Generate(context.Background(), "", "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "full answer", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIndex_SearchWrapped(t *testing.T) {
	idx := vector.NewMemoryIndex()
	x := NewIndex(idx, testPolicy, testPolicy, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, vector.CollectionDocuments, []vector.Record{{ID: "d1", OwnerID: "o", Vector: []float32{1, 0}}}))
	hits, err := x.Search(ctx, vector.CollectionDocuments, []float32{1, 0}, vector.Filter{OwnerID: "o"}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = x.Search(ctx, vector.CollectionDocuments, []float32{1}, vector.Filter{OwnerID: "o"}, 3)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

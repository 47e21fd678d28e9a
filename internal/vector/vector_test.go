package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndex_SearchFiltersAndRanks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, CollectionTransactions, []Record{
		{ID: "a", OwnerID: "alice", InvoiceID: "inv-1", Vector: []float32{1, 0}},
		{ID: "b", OwnerID: "alice", InvoiceID: "inv-2", Vector: []float32{0.7, 0.7}},
		{ID: "c", OwnerID: "bob", InvoiceID: "inv-3", Vector: []float32{1, 0}},
	}))

	hits, err := idx.Search(ctx, CollectionTransactions, []float32{1, 0}, Filter{OwnerID: "alice"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Record.ID)
	assert.Equal(t, "b", hits[1].Record.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	hits, err = idx.Search(ctx, CollectionTransactions, []float32{1, 0}, Filter{OwnerID: "alice", InvoiceID: "inv-2"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Record.ID)

	hits, err = idx.Search(ctx, CollectionTransactions, []float32{1, 0}, Filter{OwnerID: "alice"}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = idx.Search(ctx, CollectionDocuments, []float32{1, 0}, Filter{OwnerID: "alice"}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, CollectionMemory, []Record{{ID: "x", OwnerID: "o", Vector: []float32{1}}}))
	require.NoError(t, idx.Upsert(ctx, CollectionMemory, []Record{{ID: "x", OwnerID: "o", Vector: []float32{-1}}}))
	assert.Equal(t, 1, idx.Len(CollectionMemory))

	assert.Error(t, idx.Upsert(ctx, CollectionMemory, []Record{{ID: "y"}}))
}

func TestCosine(t *testing.T) {
	s, err := Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0, s, 1e-9)

	s, err = Cosine([]float32{0, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)

	_, err = Cosine([]float32{1}, []float32{1, 2})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestHashEmbedder(t *testing.T) {
	e := HashEmbedder{Dimensions: 64}
	ctx := context.Background()

	a, err := e.Embed(ctx, "tube journey zones 1-2")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Tube journey, zones 1 2")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "weather forecast tomorrow")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	same, _ := Cosine(a, b)
	diff, _ := Cosine(a, c)
	assert.InDelta(t, 1.0, same, 1e-6)
	assert.Greater(t, same, diff)
}

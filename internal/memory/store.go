// Package memory stores conversational turns, recalled by recency within a
// session or by similarity across an owner's history.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/vector"
	"github.com/google/uuid"
)

// DefaultWindowSize is the number of recent turns loaded when unset.
const DefaultWindowSize = 10

// ScoredEntry is one similarity hit.
type ScoredEntry struct {
	Entry domain.MemoryEntry `json:"entry"`
	Score float64            `json:"score"`
}

type Store struct {
	repo     Repository
	index    vector.Index
	embedder vector.Embedder
	now      func() time.Time
}

func NewStore(repo Repository, index vector.Index, embedder vector.Embedder) *Store {
	return &Store{repo: repo, index: index, embedder: embedder, now: time.Now}
}

// Append records one turn. It returns only once the entry is readable by
// LoadRecent, and by LoadSimilar unless indexing failed, in which case the
// error says so and the recency path still holds the entry.
func (s *Store) Append(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	const op = "memory.Append"
	if entry.OwnerID == "" || entry.SessionID == "" {
		return entry, domain.Errorf(domain.KindMalformedInput, op, "owner and session are required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		return entry, fmt.Errorf("Append: %w", err)
	}

	if s.index == nil || s.embedder == nil {
		return entry, nil
	}
	vec, err := s.embedder.Embed(ctx, entry.EmbeddingText())
	if err != nil {
		return entry, fmt.Errorf("Append: embedding entry %s: %w", entry.ID, err)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("Append: encoding entry %s: %w", entry.ID, err)
	}
	rec := vector.Record{
		ID:        entry.ID,
		OwnerID:   entry.OwnerID,
		InvoiceID: entry.ReferencedInvoiceID,
		SessionID: entry.SessionID,
		Vector:    vec,
		Payload:   payload,
	}
	if err := s.index.Upsert(ctx, vector.CollectionMemory, []vector.Record{rec}); err != nil {
		return entry, fmt.Errorf("Append: indexing entry %s: %w", entry.ID, err)
	}
	return entry, nil
}

// LoadRecent returns the session's last n turns oldest first, restricted to
// ownerID.
func (s *Store) LoadRecent(ctx context.Context, ownerID, sessionID string, n int) ([]domain.MemoryEntry, error) {
	if n <= 0 {
		n = DefaultWindowSize
	}
	entries, err := s.repo.Recent(ctx, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("LoadRecent: %w", err)
	}
	out := entries[:0]
	for _, e := range entries {
		if e.OwnerID != ownerID {
			s.tenancyViolation(ctx, "session history holds another owner's turn", e.ID)
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LoadSimilar recalls the owner's most similar past turns across sessions.
func (s *Store) LoadSimilar(ctx context.Context, ownerID, queryText string, k int) ([]ScoredEntry, error) {
	const op = "memory.LoadSimilar"
	if ownerID == "" {
		return nil, domain.Errorf(domain.KindMalformedInput, op, "owner is required")
	}
	if k <= 0 || s.index == nil || s.embedder == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("LoadSimilar: embedding query: %w", err)
	}
	hits, err := s.index.Search(ctx, vector.CollectionMemory, vec, vector.Filter{OwnerID: ownerID}, k)
	if err != nil {
		return nil, fmt.Errorf("LoadSimilar: search: %w", err)
	}

	out := make([]ScoredEntry, 0, len(hits))
	for _, h := range hits {
		var e domain.MemoryEntry
		if err := json.Unmarshal(h.Record.Payload, &e); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("record_id", h.Record.ID).Msg("skipping undecodable memory hit")
			continue
		}
		if h.Record.OwnerID != ownerID || e.OwnerID != ownerID {
			s.tenancyViolation(ctx, "vector search returned another owner's memory", h.Record.ID)
			continue
		}
		out = append(out, ScoredEntry{Entry: e, Score: h.Score})
	}
	return out, nil
}

func (s *Store) tenancyViolation(ctx context.Context, msg, recordID string) {
	metrics.TenancyViolationsTotal.WithLabelValues("memory").Inc()
	logger.Security(ctx).Error().Str("record_id", recordID).Msg(msg)
}

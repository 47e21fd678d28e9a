package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
)

// Repository keeps conversational turns per session. Append must be visible
// to the next Recent call as soon as it returns.
type Repository interface {
	Append(ctx context.Context, entry domain.MemoryEntry) error
	// Recent returns up to n of the session's latest entries, oldest first.
	Recent(ctx context.Context, sessionID string, n int) ([]domain.MemoryEntry, error)
}

// MemoryRepository is the in-process Repository. Sessions idle for longer
// than ttl are dropped on the next write.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string][]domain.MemoryEntry
	lastSeen map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryRepository returns a repository; ttl <= 0 keeps sessions forever.
func NewMemoryRepository(ttl time.Duration) *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string][]domain.MemoryEntry),
		lastSeen: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (r *MemoryRepository) Append(_ context.Context, entry domain.MemoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.ttl > 0 {
		for id, seen := range r.lastSeen {
			if now.Sub(seen) > r.ttl {
				delete(r.sessions, id)
				delete(r.lastSeen, id)
			}
		}
	}
	r.sessions[entry.SessionID] = append(r.sessions[entry.SessionID], entry)
	r.lastSeen[entry.SessionID] = now
	return nil
}

func (r *MemoryRepository) Recent(_ context.Context, sessionID string, n int) ([]domain.MemoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sessions[sessionID]
	if n <= 0 || len(all) == 0 {
		return []domain.MemoryEntry{}, nil
	}
	if r.ttl > 0 && r.now().Sub(r.lastSeen[sessionID]) > r.ttl {
		return []domain.MemoryEntry{}, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]domain.MemoryEntry, len(all))
	copy(out, all)
	return out, nil
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fareledger:memory:"

// RedisRepository stores each entry as JSON under its own key and keeps an
// ordered list of entry ids per session. Both are refreshed with the
// session TTL on every append.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository connects to url and verifies the connection.
func NewRedisRepository(ctx context.Context, url string, ttl time.Duration) (*RedisRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("NewRedisRepository: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("NewRedisRepository: connecting to redis: %w", err)
	}
	return NewRedisRepositoryWithClient(client, ttl), nil
}

// NewRedisRepositoryWithClient wraps an existing client.
func NewRedisRepositoryWithClient(client *redis.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string { return keyPrefix + "session:" + sessionID }
func entryKey(id string) string          { return keyPrefix + "entry:" + id }

// Append writes the entry and its session index in one MULTI/EXEC.
func (r *RedisRepository) Append(ctx context.Context, entry domain.MemoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("RedisRepository.Append: encoding entry: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(entry.ID), data, r.ttl)
		pipe.RPush(ctx, sessionKey(entry.SessionID), entry.ID)
		if r.ttl > 0 {
			pipe.Expire(ctx, sessionKey(entry.SessionID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("RedisRepository.Append: session %s: %w", entry.SessionID, err)
	}
	return nil
}

func (r *RedisRepository) Recent(ctx context.Context, sessionID string, n int) ([]domain.MemoryEntry, error) {
	if n <= 0 {
		return []domain.MemoryEntry{}, nil
	}
	ids, err := r.client.LRange(ctx, sessionKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisRepository.Recent: listing session %s: %w", sessionID, err)
	}
	if len(ids) == 0 {
		return []domain.MemoryEntry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisRepository.Recent: loading entries: %w", err)
	}

	out := make([]domain.MemoryEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Entry expired ahead of its session list.
			continue
		}
		var e domain.MemoryEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("RedisRepository.Recent: decoding entry %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

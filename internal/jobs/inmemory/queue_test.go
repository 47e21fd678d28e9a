package inmemory

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/fare-ledger/internal/jobs"
)

func newTestQueue(store jobs.JobStore) *Queue {
	return NewQueue(Options{BufferSize: 4, Workers: 2, RetryDelay: time.Millisecond}, store, zerolog.New(io.Discard))
}

func waitForStatus(t *testing.T, s *Store, id string, want jobs.JobStatus) *jobs.IngestJob {
	t.Helper()
	var got *jobs.IngestJob
	require.Eventually(t, func() bool {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_PublishAssignsDefaults(t *testing.T) {
	store := NewStore()
	q := newTestQueue(store)
	defer q.Close()

	job := &jobs.IngestJob{OwnerID: "alice", URI: "gs://b/statement.csv"}
	require.NoError(t, q.PublishIngest(context.Background(), job))

	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, jobs.JobStatusPending, job.Status)
	assert.Equal(t, jobs.DefaultMaxRetries, job.MaxRetries)
	assert.False(t, job.CreatedAt.IsZero())

	saved, err := store.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", saved.OwnerID)
}

func TestQueue_ProcessesJob(t *testing.T) {
	store := NewStore()
	q := newTestQueue(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		job.InvoiceID = "inv-1"
		job.Transactions = 3
		return nil
	}))
	require.NoError(t, q.PublishIngest(ctx, &jobs.IngestJob{JobID: "j1", OwnerID: "alice"}))

	got := waitForStatus(t, store, "j1", jobs.JobStatusCompleted)
	assert.Equal(t, "inv-1", got.InvoiceID)
	assert.Equal(t, 3, got.Transactions)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	store := NewStore()
	q := newTestQueue(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		if attempts.Add(1) < 3 {
			return errors.New("bucket unavailable")
		}
		return nil
	}))
	require.NoError(t, q.PublishIngest(ctx, &jobs.IngestJob{JobID: "j1", OwnerID: "alice"}))

	got := waitForStatus(t, store, "j1", jobs.JobStatusCompleted)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, got.Error)
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_RetryRunsOnSeparateCopy(t *testing.T) {
	store := NewStore()
	q := NewQueue(Options{BufferSize: 4, Workers: 2, RetryDelay: 100 * time.Millisecond}, store, zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []*jobs.IngestJob
	)
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		mu.Lock()
		seen = append(seen, job)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			return errors.New("bucket unavailable")
		}
		return nil
	}))

	job := &jobs.IngestJob{JobID: "j1", OwnerID: "alice"}
	require.NoError(t, q.PublishIngest(ctx, job))

	retrying := waitForStatus(t, store, "j1", jobs.JobStatusRetrying)
	assert.Equal(t, 1, retrying.RetryCount)
	assert.Equal(t, "bucket unavailable", retrying.Error)

	waitForStatus(t, store, "j1", jobs.JobStatusCompleted)
	require.NoError(t, q.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.NotSame(t, seen[0], seen[1])
	assert.NotSame(t, job, seen[0])
	assert.Equal(t, jobs.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
}

func TestQueue_PermanentFailureIsNotRetried(t *testing.T) {
	store := NewStore()
	q := newTestQueue(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		attempts.Add(1)
		return jobs.Permanent(errors.New("no header row"))
	}))
	require.NoError(t, q.PublishIngest(ctx, &jobs.IngestJob{JobID: "j1", OwnerID: "alice"}))

	got := waitForStatus(t, store, "j1", jobs.JobStatusFailed)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "no header row", got.Error)
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	store := NewStore()
	q := newTestQueue(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		return errors.New("still down")
	}))
	require.NoError(t, q.PublishIngest(ctx, &jobs.IngestJob{JobID: "j1", MaxRetries: 1}))

	got := waitForStatus(t, store, "j1", jobs.JobStatusFailed)
	assert.Equal(t, 1, got.RetryCount)
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_ClosedRejectsWork(t *testing.T) {
	q := newTestQueue(nil)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.PublishIngest(context.Background(), &jobs.IngestJob{}), jobs.ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), func(context.Context, *jobs.IngestJob) error { return nil }), jobs.ErrQueueClosed)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad file")
	assert.Nil(t, jobs.Permanent(nil))
	assert.True(t, jobs.IsPermanent(jobs.Permanent(base)))
	assert.ErrorIs(t, jobs.Permanent(base), base)
	assert.False(t, jobs.IsPermanent(base))
}

package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fare-ledger/internal/jobs"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
)

// Options tune a Queue. Zero values take the defaults.
type Options struct {
	BufferSize int
	Workers    int
	// RetryDelay is the wait before the first retry; it doubles on each attempt.
	RetryDelay time.Duration
}

const (
	defaultBufferSize = 100
	defaultWorkers    = 5
	defaultRetryDelay = time.Second
)

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// This implementation is suitable for single-instance deployments and testing.
type Queue struct {
	jobChan   chan *jobs.IngestJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	retries   sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	opts      Options
	closed    bool
	log       zerolog.Logger
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(opts Options, store jobs.JobStore, log zerolog.Logger) *Queue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Queue{
		jobChan:   make(chan *jobs.IngestJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
		log:       log.With().Str("component", "ingest_queue").Logger(),
	}
}

// PublishIngest enqueues a job, assigning an ID and defaults where unset.
func (q *Queue) PublishIngest(ctx context.Context, job *jobs.IngestJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return jobs.ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = jobs.DefaultMaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishIngest: saving job: %w", err)
		}
	}

	// Workers own their copy; the caller's job is never written after this.
	select {
	case q.jobChan <- copyJob(job):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return jobs.ErrQueueClosed
	}
}

// Start launches the configured number of workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.ErrQueueClosed
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.log.Info().Int("workers", q.opts.Workers).Msg("ingest queue started")
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one attempt and schedules a retry when allowed.
func (q *Queue) processJob(ctx context.Context, job *jobs.IngestJob, handler jobs.JobHandler) {
	log := q.log.With().Str("job_id", job.JobID).Str("owner_id", job.OwnerID).Int("attempt", job.RetryCount+1).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(logger.WithContext(ctx, log), job)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Str("invoice_id", job.InvoiceID).Int("transactions", job.Transactions).Msg("ingest job completed")
	case !jobs.IsPermanent(err) && job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		delay := q.opts.RetryDelay << (job.RetryCount - 1)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("ingest job failed, retrying")
		// Persist the retrying state before the retry can run; the retry
		// goroutine gets its own copy.
		q.save(ctx, job)
		q.scheduleRetry(ctx, copyJob(job), delay)
		return
	default:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Bool("permanent", jobs.IsPermanent(err)).Msg("ingest job failed")
	}

	metrics.IngestJobsTotal.WithLabelValues(string(job.Status)).Inc()
	q.save(ctx, job)
}

func (q *Queue) scheduleRetry(ctx context.Context, job *jobs.IngestJob, delay time.Duration) {
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-q.closeChan:
			q.abandon(ctx, job, jobs.ErrQueueClosed)
			return
		case <-ctx.Done():
			q.abandon(ctx, job, ctx.Err())
			return
		}
		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		if err := q.PublishIngest(ctx, job); err != nil {
			q.abandon(ctx, job, err)
		}
	}()
}

func (q *Queue) abandon(ctx context.Context, job *jobs.IngestJob, err error) {
	job.Status = jobs.JobStatusFailed
	job.Error = fmt.Sprintf("retry abandoned: %v", err)
	metrics.IngestJobsTotal.WithLabelValues(string(job.Status)).Inc()
	q.save(context.WithoutCancel(ctx), job)
}

func (q *Queue) save(ctx context.Context, job *jobs.IngestJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("failed to save job state")
	}
}

// Stop stops the queue and waits for in-flight jobs and pending retries.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.retries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)

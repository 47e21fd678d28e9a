package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/jobs"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
	"github.com/dvloznov/fare-ledger/internal/pipeline"
)

// Uploader stores a file and returns its gs:// URI.
type Uploader interface {
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error)
}

// IngestHandler enqueues asynchronous ingestion of statement files.
type IngestHandler struct {
	publisher jobs.Publisher
	uploader  Uploader
	bucket    string
	maxBytes  int64
}

// NewIngestHandler creates a new ingest handler. uploader and bucket may
// be empty, in which case only gs:// URIs are accepted.
func NewIngestHandler(publisher jobs.Publisher, uploader Uploader, bucket string, maxBytes int64) *IngestHandler {
	return &IngestHandler{publisher: publisher, uploader: uploader, bucket: bucket, maxBytes: maxBytes}
}

// Enqueue handles POST /api/invoices/ingest. The body is either JSON
// {"uri", "format", "timezone"} naming a gs:// object, or a multipart
// upload that is first written to the bucket.
func (h *IngestHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.OwnerID(ctx)

	var job *jobs.IngestJob
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		j, err := h.uploadThenJob(r, owner)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		job = j
	} else {
		var req struct {
			URI      string `json:"uri"`
			Format   string `json:"format"`
			Timezone string `json:"timezone"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(ctx, w, err)
			return
		}
		if _, _, err := objectstore.ParseURI(req.URI); err != nil {
			writeError(ctx, w, domain.E(domain.KindMalformedInput, "handlers.Enqueue", err))
			return
		}
		format, err := optionalFormat(req.Format)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		job = pipeline.NewJob(owner, req.URI, format, req.Timezone)
	}

	if err := h.publisher.PublishIngest(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrQueueClosed) {
			err = domain.E(domain.KindUpstreamUnavailable, "handlers.Enqueue", err)
		}
		writeError(ctx, w, fmt.Errorf("enqueue ingest job: %w", err))
		return
	}

	log := logger.FromContext(ctx)

	log.Info().Str("job_id", job.JobID).Str("uri", job.URI).Msg("Ingest job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"uri":    job.URI,
		"status": string(job.Status),
	})
}

func (h *IngestHandler) uploadThenJob(r *http.Request, owner string) (*jobs.IngestJob, error) {
	if h.uploader == nil || h.bucket == "" {
		return nil, domain.Errorf(domain.KindMalformedInput, "handlers.Enqueue", "file uploads are disabled: no bucket configured")
	}
	up, _, err := readUpload(r, h.maxBytes)
	if err != nil {
		return nil, err
	}
	defer r.MultipartForm.RemoveAll()

	format, err := optionalFormat(string(up.Format))
	if err != nil {
		return nil, err
	}
	object := fmt.Sprintf("uploads/%s/%s/%s-%s", owner, time.Now().UTC().Format("2006/01/02"), uuid.New().String(), up.Filename)
	uri, err := h.uploader.Upload(r.Context(), h.bucket, object, up.Data, contentTypeFor(format))
	if err != nil {
		return nil, domain.E(domain.KindUpstreamUnavailable, "handlers.Enqueue", err)
	}
	return pipeline.NewJob(owner, uri, format, up.Timezone), nil
}

func optionalFormat(s string) (domain.SourceFormat, error) {
	if s == "" {
		return "", nil
	}
	f, ok := domain.ParseSourceFormat(strings.ToLower(s))
	if !ok {
		return "", domain.Errorf(domain.KindMalformedInput, "handlers.optionalFormat", "unsupported format %q", s)
	}
	return f, nil
}

func contentTypeFor(f domain.SourceFormat) string {
	switch f {
	case domain.FormatPDF:
		return "application/pdf"
	case domain.FormatCSV:
		return "text/csv"
	case domain.FormatJSON:
		return "application/json"
	}
	return "application/octet-stream"
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}. Another owner's job is reported as
// not found.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err == nil && job.OwnerID != middleware.OwnerID(ctx) {
		logger.Security(ctx).Warn().Str("job_id", jobID).Msg("job requested by another owner")
		err = jobs.ErrJobNotFound
	}
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			err = domain.E(domain.KindNotFound, "handlers.GetJob", err)
		}
		writeError(ctx, w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	filter := jobs.JobFilter{
		OwnerID: middleware.OwnerID(ctx),
		Status:  jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/calculator"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/jobs"
	"github.com/dvloznov/fare-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/memory"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
	"github.com/dvloznov/fare-ledger/internal/router"
	"github.com/dvloznov/fare-ledger/internal/vector"
)

const statementCSV = "date,amount,type\n2024-01-15,8.50,tube\n2024-01-15,2.30,bus\n2024-01-16,4.40,tube\n"

type mockGenerator struct {
	GenerateFunc func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, system, prompt, onChunk)
	}
	return "ok", nil
}

type env struct {
	requests  *RequestsHandler
	invoices  *InvoicesHandler
	documents *DocumentsHandler
	ingest    *IngestHandler
	jobs      *JobsHandler
	jobStore  *inmemory.Store
	objects   *objectstore.MemoryStore
	gen       *mockGenerator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	index := vector.NewMemoryIndex()
	embedder := vector.HashEmbedder{Dimensions: 64}
	led := ledger.NewStore(ledger.NewMemoryRepository(), index, embedder)
	docs := retrieval.NewDocuments(index, embedder)
	gen := &mockGenerator{}
	r := router.New(router.Deps{
		Parser:     parser.New(),
		Ledger:     led,
		Calculator: calculator.New(nil),
		Memory:     memory.NewStore(memory.NewMemoryRepository(0), index, embedder),
		Documents:  docs,
		Generator:  gen,
	}, router.Options{})

	store := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.Options{BufferSize: 8}, store, zerolog.New(io.Discard))
	t.Cleanup(func() { _ = queue.Close() })
	objects := objectstore.NewMemoryStore()

	return &env{
		requests:  NewRequestsHandler(r, router.Limits{MaxUploadBytes: 1 << 20, MaxSelectedDates: 31}),
		invoices:  NewInvoicesHandler(led),
		documents: NewDocumentsHandler(docs, led),
		ingest:    NewIngestHandler(queue, objects, "statements", 1<<20),
		jobs:      NewJobsHandler(store),
		jobStore:  store,
		objects:   objects,
		gen:       gen,
	}
}

func asOwner(req *http.Request, owner, session string) *http.Request {
	return req.WithContext(middleware.WithIdentity(req.Context(), owner, session))
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, target, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type responseBody struct {
	Kind         string `json:"kind"`
	CascadedKind string `json:"cascaded_kind"`
	Invoice      *struct {
		ID string `json:"id"`
	} `json:"invoice"`
	Transactions int `json:"transactions"`
	Breakdown    *struct {
		TotalAmount string `json:"total_amount"`
	} `json:"breakdown"`
	Answer   string `json:"answer"`
	Degraded bool   `json:"degraded"`
}

func (e *env) upload(t *testing.T, owner string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.requests.UploadInvoice(rec, asOwner(multipartRequest(t, "/api/invoices", "jan.csv", statementCSV, nil), owner, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body responseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Invoice)
	return body.Invoice.ID
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.KindMalformedInput, "op", "bad"), http.StatusBadRequest},
		{domain.Errorf(domain.KindCapacityExceeded, "op", "big"), http.StatusRequestEntityTooLarge},
		{domain.Errorf(domain.KindTenancyViolation, "op", "nope"), http.StatusForbidden},
		{domain.Errorf(domain.KindNotFound, "op", "gone"), http.StatusNotFound},
		{domain.Errorf(domain.KindUpstreamUnavailable, "op", "down"), http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestUploadThenCalculate(t *testing.T) {
	e := newEnv(t)
	invoiceID := e.upload(t, "alice")

	rec := httptest.NewRecorder()
	e.requests.Calculate(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/calculations", map[string]interface{}{
		"invoice_id": invoiceID,
		"dates":      []string{"2024-01-15", "2024-01-16"},
	}), "alice", ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body responseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(router.KindCostCalculation), body.Kind)
	require.NotNil(t, body.Breakdown)
	assert.Equal(t, "15.20", body.Breakdown.TotalAmount)

	t.Run("other owner is forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Calculate(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/calculations", map[string]interface{}{
			"invoice_id": invoiceID,
			"dates":      []string{"2024-01-15"},
		}), "mallory", ""))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing dates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Calculate(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/calculations", map[string]interface{}{
			"invoice_id": invoiceID,
		}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad date", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Calculate(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/calculations", map[string]interface{}{
			"invoice_id": invoiceID,
			"dates":      []string{"15/01/2024"},
		}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadInvoice_WithDatesCascades(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	req := multipartRequest(t, "/api/invoices", "jan.csv", statementCSV, map[string]string{"dates": "2024-01-15, 2024-01-17"})
	e.requests.UploadInvoice(rec, asOwner(req, "alice", ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body responseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(router.KindInvoiceUpload), body.Kind)
	assert.Equal(t, string(router.KindCostCalculation), body.CascadedKind)
	assert.Equal(t, 3, body.Transactions)
	require.NotNil(t, body.Breakdown)
	assert.Equal(t, "10.80", body.Breakdown.TotalAmount)
}

func TestUploadInvoice_Rejections(t *testing.T) {
	e := newEnv(t)

	t.Run("unsupported format", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.UploadInvoice(rec, asOwner(multipartRequest(t, "/api/invoices", "jan.xlsx", statementCSV, nil), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		small := NewRequestsHandler(e.requests.router, router.Limits{MaxUploadBytes: 10})
		rec := httptest.NewRecorder()
		small.UploadInvoice(rec, asOwner(multipartRequest(t, "/api/invoices", "jan.csv", statementCSV, nil), "alice", ""))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("no file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.UploadInvoice(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/invoices", map[string]string{}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRoute_Envelope(t *testing.T) {
	e := newEnv(t)

	t.Run("inline file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Route(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"file": map[string]interface{}{"data": []byte(statementCSV), "filename": "jan.csv"},
		}), "alice", ""))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body responseBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(router.KindInvoiceUpload), body.Kind)
	})

	t.Run("foreign owner in body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Route(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"owner_id": "bob",
			"query":    "hi",
		}), "alice", "s1"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("empty envelope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Route(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/requests", map[string]interface{}{}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Route(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/requests", map[string]interface{}{"qeury": "typo"}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestChat_Streams(t *testing.T) {
	e := newEnv(t)
	invoiceID := e.upload(t, "alice")
	e.gen.GenerateFunc = func(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
		for _, c := range []string{"You spent ", "£15.20."} {
			if onChunk != nil {
				if err := onChunk(c); err != nil {
					return "", err
				}
			}
		}
		return "You spent £15.20.", nil
	}

	req := jsonRequest(t, http.MethodPost, "/api/chat", map[string]string{"query": "how much did I spend?", "invoice_id": invoiceID})
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	e.requests.Chat(rec, asOwner(req, "alice", "s1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event: chunk\ndata: \"You spent \"\n\n")
	assert.Contains(t, out, "event: chunk\ndata: \"£15.20.\"\n\n")
	idx := strings.Index(out, "event: response\n")
	require.Greater(t, idx, 0)
	assert.Contains(t, out[idx:], `"answer":"You spent £15.20."`)
}

func TestChat_Plain(t *testing.T) {
	e := newEnv(t)
	e.gen.GenerateFunc = func(context.Context, string, string, func(string) error) (string, error) {
		return "No documents mention that.", nil
	}

	rec := httptest.NewRecorder()
	e.requests.Chat(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/chat", map[string]string{"query": "anything?"}), "alice", "s1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body responseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(router.KindGeneralDocumentChat), body.Kind)
	assert.Equal(t, "No documents mention that.", body.Answer)

	t.Run("session is required", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.requests.Chat(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/chat", map[string]string{"query": "anything?"}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInvoices(t *testing.T) {
	e := newEnv(t)
	invoiceID := e.upload(t, "alice")

	rec := httptest.NewRecorder()
	e.invoices.ListTransactions(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/invoices/"+invoiceID+"/transactions", nil), "alice", ""), invoiceID)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Len(t, txs, 3)

	rec = httptest.NewRecorder()
	e.invoices.ListInvoices(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/invoices", nil), "alice", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = httptest.NewRecorder()
	e.invoices.ListInvoices(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/invoices", nil), "bob", ""))
	assert.Contains(t, rec.Body.String(), `"count":0`)

	rec = httptest.NewRecorder()
	e.invoices.GetInvoice(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/invoices/missing", nil), "alice", ""), "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	e.invoices.ListTransactions(rec, asOwner(httptest.NewRequest(http.MethodGet, "/", nil), "bob", ""), invoiceID)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestAndJobs(t *testing.T) {
	e := newEnv(t)

	t.Run("gs uri", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ingest.Enqueue(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/invoices/ingest", map[string]string{
			"uri": "gs://statements/jan.csv",
		}), "alice", ""))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(jobs.JobStatusPending), body["status"])

		rec = httptest.NewRecorder()
		e.jobs.GetJob(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil), "alice", ""), body["job_id"])
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		e.jobs.GetJob(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil), "bob", ""), body["job_id"])
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("multipart upload lands in the bucket", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ingest.Enqueue(rec, asOwner(multipartRequest(t, "/api/invoices/ingest", "feb.csv", statementCSV, nil), "alice", ""))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, strings.HasPrefix(body["uri"], "gs://statements/uploads/alice/"))
		data, err := e.objects.Fetch(context.Background(), body["uri"])
		require.NoError(t, err)
		assert.Equal(t, statementCSV, string(data))
	})

	t.Run("invalid uri", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ingest.Enqueue(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/invoices/ingest", map[string]string{"uri": "https://example.com/x.csv"}), "alice", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list is owner scoped", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.jobs.ListJobs(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/jobs", nil), "alice", ""))
		assert.Contains(t, rec.Body.String(), `"count":2`)

		rec = httptest.NewRecorder()
		e.jobs.ListJobs(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/jobs", nil), "bob", ""))
		assert.Contains(t, rec.Body.String(), `"count":0`)
	})
}

func TestIndexDocument(t *testing.T) {
	e := newEnv(t)
	invoiceID := e.upload(t, "alice")

	rec := httptest.NewRecorder()
	e.documents.IndexDocument(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/documents", map[string]string{
		"title": "Refund policy",
		"text":  "Refunds for incomplete journeys are issued within 10 days.",
	}), "alice", ""))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	e.documents.IndexDocument(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/documents", map[string]string{
		"title":      "Note",
		"text":       "Business travel.",
		"invoice_id": invoiceID,
	}), "bob", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	e.documents.IndexDocument(rec, asOwner(jsonRequest(t, http.MethodPost, "/api/documents", map[string]string{"title": "Empty"}), "alice", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

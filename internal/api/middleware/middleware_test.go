package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/fare-ledger/internal/logger"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	})

	t.Run("assigns id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	})
}

func TestIdentity(t *testing.T) {
	var owner, session string
	h := Identity("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, session = OwnerID(r.Context()), SessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		path        string
		headers     map[string]string
		wantStatus  int
		wantOwner   string
		wantSession string
	}{
		{"owner and session", "/api/chat", map[string]string{HeaderOwnerID: "alice", HeaderSessionID: "s1"}, http.StatusOK, "alice", "s1"},
		{"owner only", "/api/invoices", map[string]string{HeaderOwnerID: "alice"}, http.StatusOK, "alice", ""},
		{"missing owner", "/api/invoices", nil, http.StatusUnauthorized, "", ""},
		{"open path", "/health", nil, http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, session = "", ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantSession, session)
		})
	}
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteError(w, http.StatusRequestEntityTooLarge, "too large")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("short")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much longer than eight bytes")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	h := Recovery(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["error"])
	assert.Contains(t, buf.String(), "Panic recovered")
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderOwnerID)
}

func TestChain_LoggerSeesRequestID(t *testing.T) {
	var buf bytes.Buffer
	var ctxLogged bool
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.FromContext(r.Context())
		l.Info().Msg("inside handler")
		ctxLogged = true
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, Logger(zerolog.New(&buf)))

	req := httptest.NewRequest(http.MethodGet, "/tea", nil)
	req.Header.Set(HeaderRequestID, "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, ctxLogged)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-7"`)
	assert.Contains(t, out, "inside handler")
	assert.Contains(t, out, `"status":418`)
}

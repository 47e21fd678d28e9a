package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/router"
)

// Dispatcher runs a classified request.
type Dispatcher interface {
	Handle(ctx context.Context, env router.Envelope, onChunk func(string) error) (*router.Response, error)
}

// RequestsHandler serves the routed endpoints: the generic envelope and the
// upload, calculation and chat shortcuts.
type RequestsHandler struct {
	router Dispatcher
	limits router.Limits
}

// NewRequestsHandler creates a new requests handler.
func NewRequestsHandler(r Dispatcher, limits router.Limits) *RequestsHandler {
	return &RequestsHandler{router: r, limits: limits}
}

type uploadBody struct {
	Data     []byte `json:"data"`
	Format   string `json:"format"`
	Filename string `json:"filename"`
	Timezone string `json:"timezone"`
}

type envelopeBody struct {
	OwnerID   string      `json:"owner_id"`
	SessionID string      `json:"session_id"`
	InvoiceID string      `json:"invoice_id"`
	Dates     []string    `json:"dates"`
	Query     string      `json:"query"`
	File      *uploadBody `json:"file"`
}

// Route handles POST /api/requests
func (h *RequestsHandler) Route(w http.ResponseWriter, r *http.Request) {
	var body envelopeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	owner := middleware.OwnerID(r.Context())
	if body.OwnerID != "" && body.OwnerID != owner {
		logger.Security(r.Context()).Warn().Str("body_owner", body.OwnerID).Msg("envelope owner differs from caller")
		writeError(r.Context(), w, domain.Errorf(domain.KindTenancyViolation, "handlers.Route", "envelope owner does not match caller"))
		return
	}
	session := middleware.SessionID(r.Context())
	if session == "" {
		session = body.SessionID
	}

	p := router.Payload{
		Dates:     body.Dates,
		Query:     body.Query,
		InvoiceID: body.InvoiceID,
	}
	if body.File != nil {
		format := body.File.Format
		if format == "" {
			format = path.Ext(body.File.Filename)
		}
		p.Upload = &router.Upload{
			Data:     body.File.Data,
			Format:   domain.SourceFormat(format),
			Filename: body.File.Filename,
			Timezone: body.File.Timezone,
		}
	}
	h.serve(w, r, session, p, http.StatusOK)
}

// UploadInvoice handles POST /api/invoices (multipart form: file, and
// optional format, timezone, dates, query).
func (h *RequestsHandler) UploadInvoice(w http.ResponseWriter, r *http.Request) {
	up, form, err := readUpload(r, h.limits.MaxUploadBytes)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()
	p := router.Payload{
		Upload: up,
		Dates:  splitDates(form["dates"]),
		Query:  firstValue(form, "query"),
	}
	h.serve(w, r, middleware.SessionID(r.Context()), p, http.StatusCreated)
}

// Calculate handles POST /api/calculations
func (h *RequestsHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceID string   `json:"invoice_id"`
		Dates     []string `json:"dates"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if len(req.Dates) == 0 {
		writeError(r.Context(), w, domain.Errorf(domain.KindMalformedInput, "handlers.Calculate", "dates are required"))
		return
	}
	h.serve(w, r, middleware.SessionID(r.Context()), router.Payload{InvoiceID: req.InvoiceID, Dates: req.Dates}, http.StatusOK)
}

// Chat handles POST /api/chat. With Accept: text/event-stream the answer is
// streamed as "chunk" events followed by one "response" event.
func (h *RequestsHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string `json:"query"`
		InvoiceID string `json:"invoice_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(r.Context(), w, domain.Errorf(domain.KindMalformedInput, "handlers.Chat", "query is required"))
		return
	}
	h.serve(w, r, middleware.SessionID(r.Context()), router.Payload{Query: req.Query, InvoiceID: req.InvoiceID}, http.StatusOK)
}

func (h *RequestsHandler) serve(w http.ResponseWriter, r *http.Request, session string, p router.Payload, okStatus int) {
	ctx := r.Context()
	env, err := router.NewEnvelope(middleware.OwnerID(ctx), session, p, h.limits)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if !wantsStream(r) || env.Query() == "" {
		resp, err := h.router.Handle(ctx, env, nil)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		middleware.WriteJSON(w, okStatus, resp)
		return
	}

	s := newSSE(w)
	resp, err := h.router.Handle(ctx, env, s.chunk)
	switch {
	case err != nil && !s.started:
		writeError(ctx, w, err)
	case err != nil:
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("stream failed")
		s.event("error", newErrorBody(err))
	default:
		s.event("response", resp)
	}
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sse writes server-sent events. Headers go out with the first event so
// that a failure before any output can still be a plain JSON error.
type sse struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSE(w http.ResponseWriter) *sse {
	f, _ := w.(http.Flusher)
	return &sse{w: w, flusher: f}
}

func (s *sse) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sse) chunk(text string) error {
	return s.event("chunk", text)
}

func (s *sse) event(name string, v interface{}) error {
	s.start()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: encoding %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// readUpload parses a multipart upload. Form values are returned alongside
// the file.
func readUpload(r *http.Request, maxBytes int64) (*router.Upload, map[string][]string, error) {
	const op = "handlers.readUpload"
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, nil, domain.E(domain.KindCapacityExceeded, op, err)
		}
		return nil, nil, domain.E(domain.KindMalformedInput, op, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, domain.E(domain.KindMalformedInput, op, fmt.Errorf("file field: %w", err))
	}
	defer file.Close()

	data, err := readLimited(file, maxBytes)
	if err != nil {
		return nil, nil, err
	}

	form := r.MultipartForm.Value
	format := firstValue(form, "format")
	if format == "" {
		format = path.Ext(header.Filename)
	}
	if format == "" {
		format = header.Header.Get("Content-Type")
	}
	return &router.Upload{
		Data:     data,
		Format:   domain.SourceFormat(format),
		Filename: path.Base(header.Filename),
		Timezone: firstValue(form, "timezone"),
	}, form, nil
}

func readLimited(f multipart.File, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("readLimited: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, domain.Errorf(domain.KindCapacityExceeded, "handlers.readUpload", "file exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func firstValue(form map[string][]string, key string) string {
	if v := form[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// splitDates accepts repeated fields and comma separated lists.
func splitDates(values []string) []string {
	var out []string
	for _, v := range values {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				out = append(out, d)
			}
		}
	}
	return out
}

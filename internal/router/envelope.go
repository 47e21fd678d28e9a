package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/fare-ledger/internal/dateset"
	"github.com/dvloznov/fare-ledger/internal/domain"
)

// Kind is the classified request variant.
type Kind string

const (
	KindInvoiceUpload       Kind = "invoiceUpload"
	KindCostCalculation     Kind = "costCalculation"
	KindInvoiceChat         Kind = "invoiceChat"
	KindGeneralDocumentChat Kind = "generalDocumentChat"
	KindCombined            Kind = "combinedCalculationAndChat"
)

// HasQuery reports whether the variant carries a free-text exchange.
func (k Kind) HasQuery() bool {
	return k == KindInvoiceChat || k == KindGeneralDocumentChat || k == KindCombined
}

// Upload is a raw statement file.
type Upload struct {
	Data     []byte
	Format   domain.SourceFormat
	Filename string
	// Timezone optionally declares the statement's zone.
	Timezone string
}

// Payload is the unclassified request body.
type Payload struct {
	Upload    *Upload
	Dates     []string
	Query     string
	InvoiceID string
}

func (p Payload) hasUpload() bool { return p.Upload != nil && len(p.Upload.Data) > 0 }
func (p Payload) hasDates() bool  { return len(p.Dates) > 0 }
func (p Payload) hasQuery() bool  { return strings.TrimSpace(p.Query) != "" }

// Classify applies the fixed precedence: upload, then dates without a
// query, then a query without dates (scoped by invoice id when present),
// then dates with a query.
func Classify(p Payload) (Kind, error) {
	switch {
	case p.hasUpload():
		return KindInvoiceUpload, nil
	case p.hasDates() && !p.hasQuery():
		return KindCostCalculation, nil
	case p.hasQuery() && !p.hasDates():
		if p.InvoiceID != "" {
			return KindInvoiceChat, nil
		}
		return KindGeneralDocumentChat, nil
	case p.hasDates() && p.hasQuery():
		return KindCombined, nil
	}
	return "", domain.Errorf(domain.KindMalformedInput, "router.Classify", "request carries no file, dates or query")
}

// Limits bounds what an envelope may carry.
type Limits struct {
	MaxUploadBytes   int64
	MaxSelectedDates int
}

// Envelope is a classified, validated request. Its fields are only set by
// NewEnvelope, so every stage can rely on the variant's required fields.
type Envelope struct {
	kind       Kind
	ownerID    string
	sessionID  string
	payload    Payload
	dates      domain.SelectedDateSet
	receivedAt time.Time
}

// NewEnvelope classifies p and validates it for its variant. Capacity
// checks happen here, before any component runs.
func NewEnvelope(ownerID, sessionID string, p Payload, limits Limits) (Envelope, error) {
	const op = "router.NewEnvelope"
	if strings.TrimSpace(ownerID) == "" {
		return Envelope{}, domain.Errorf(domain.KindMalformedInput, op, "owner id is required")
	}
	kind, err := Classify(p)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		kind:       kind,
		ownerID:    ownerID,
		sessionID:  sessionID,
		payload:    p,
		receivedAt: time.Now().UTC(),
	}
	env.payload.Query = strings.TrimSpace(p.Query)
	env.payload.Dates = append([]string(nil), p.Dates...)

	if kind == KindInvoiceUpload {
		if limits.MaxUploadBytes > 0 && int64(len(p.Upload.Data)) > limits.MaxUploadBytes {
			return Envelope{}, domain.Errorf(domain.KindCapacityExceeded, op, "upload of %d bytes exceeds limit of %d", len(p.Upload.Data), limits.MaxUploadBytes)
		}
		format, ok := domain.ParseSourceFormat(strings.ToLower(string(p.Upload.Format)))
		if !ok {
			return Envelope{}, domain.Errorf(domain.KindMalformedInput, op, "unsupported upload format %q", p.Upload.Format)
		}
		up := *p.Upload
		up.Format = format
		env.payload.Upload = &up
	} else {
		env.payload.Upload = nil
	}

	if p.hasDates() {
		set, err := dateset.New(limits.MaxSelectedDates).Normalize(p.Dates, p.InvoiceID, ownerID)
		if err != nil {
			return Envelope{}, err
		}
		env.dates = set
	}

	switch kind {
	case KindCostCalculation, KindCombined:
		if p.InvoiceID == "" {
			return Envelope{}, domain.Errorf(domain.KindMalformedInput, op, "%s requires an invoice id", kind)
		}
	}
	if (kind.HasQuery() || (kind == KindInvoiceUpload && p.hasQuery())) && sessionID == "" {
		return Envelope{}, domain.Errorf(domain.KindMalformedInput, op, "%s requires a session id", kind)
	}
	return env, nil
}

func (e Envelope) Kind() Kind                      { return e.kind }
func (e Envelope) OwnerID() string                 { return e.ownerID }
func (e Envelope) SessionID() string               { return e.sessionID }
func (e Envelope) Query() string                   { return e.payload.Query }
func (e Envelope) InvoiceID() string               { return e.payload.InvoiceID }
func (e Envelope) ReceivedAt() time.Time           { return e.receivedAt }
func (e Envelope) DateSet() domain.SelectedDateSet { return e.dates }

// Upload returns a copy of the upload, or nil.
func (e Envelope) Upload() *Upload {
	if e.payload.Upload == nil {
		return nil
	}
	up := *e.payload.Upload
	return &up
}

// cascade derives the follow-up envelope an upload carries once its invoice
// id is known: a calculation, a chat or both.
func (e Envelope) cascade(invoiceID string) (Envelope, bool) {
	p := e.payload
	p.Upload = nil
	p.InvoiceID = invoiceID
	kind, err := Classify(p)
	if err != nil {
		return Envelope{}, false
	}
	next := e
	next.kind = kind
	next.payload = p
	next.dates.InvoiceID = invoiceID
	return next, true
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s owner=%s session=%s", e.kind, e.ownerID, e.sessionID)
}

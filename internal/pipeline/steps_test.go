package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/jobs"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
	"github.com/dvloznov/fare-ledger/internal/parser"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
	"github.com/dvloznov/fare-ledger/internal/vector"
)

const statementCSV = "date,amount,type\n2024-01-15,8.50,tube\n2024-01-15,2.30,bus\nnot-a-date,1.00,bus\n2024-01-16,4.40,tube\n"

// Mock implementations for testing

type mockLedger struct {
	StoreFunc func(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) (*domain.Warning, error)
}

func (m *mockLedger) Store(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) (*domain.Warning, error) {
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, inv, txs)
	}
	return nil, nil
}

type mockIndexer struct {
	IndexInvoiceSummaryFunc func(ctx context.Context, inv domain.Invoice) error
}

func (m *mockIndexer) IndexInvoiceSummary(ctx context.Context, inv domain.Invoice) error {
	if m.IndexInvoiceSummaryFunc != nil {
		return m.IndexInvoiceSummaryFunc(ctx, inv)
	}
	return nil
}

type mockParser struct {
	ParseFunc func(ctx context.Context, in parser.Input) (*parser.Result, error)
}

func (m *mockParser) Parse(ctx context.Context, in parser.Input) (*parser.Result, error) {
	return m.ParseFunc(ctx, in)
}

func seededStore(t *testing.T, object string, data string) (*objectstore.MemoryStore, string) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	uri, err := store.Upload(context.Background(), "statements", object, []byte(data), "")
	require.NoError(t, err)
	return store, uri
}

func TestPipeline_Execute(t *testing.T) {
	var executed []string
	step := func(name string, err error) Step {
		return &funcStep{name: name, fn: func(context.Context, *State) error {
			executed = append(executed, name)
			return err
		}}
	}

	t.Run("runs steps in order", func(t *testing.T) {
		executed = nil
		err := NewPipeline(step("a", nil), step("b", nil)).Execute(context.Background(), &State{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, executed)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		executed = nil
		boom := errors.New("boom")
		err := NewPipeline(step("a", nil), step("b", boom), step("c", nil)).Execute(context.Background(), &State{})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "pipeline step 2 (b) failed")
		assert.Equal(t, []string{"a", "b"}, executed)
	})
}

type funcStep struct {
	name string
	fn   func(context.Context, *State) error
}

func (s *funcStep) Name() string                                    { return s.name }
func (s *funcStep) Execute(ctx context.Context, state *State) error { return s.fn(ctx, state) }

func TestFetchStep(t *testing.T) {
	store, uri := seededStore(t, "alice/jan.csv", statementCSV)

	t.Run("reads the object", func(t *testing.T) {
		state := &State{URI: uri}
		require.NoError(t, (&FetchStep{Store: store}).Execute(context.Background(), state))
		assert.Equal(t, statementCSV, string(state.Raw))
	})

	t.Run("rejects oversized objects", func(t *testing.T) {
		err := (&FetchStep{Store: store, MaxBytes: 10}).Execute(context.Background(), &State{URI: uri})
		assert.True(t, domain.IsKind(err, domain.KindCapacityExceeded))
	})

	t.Run("missing object", func(t *testing.T) {
		err := (&FetchStep{Store: store}).Execute(context.Background(), &State{URI: "gs://statements/nope.csv"})
		assert.ErrorIs(t, err, objectstore.ErrNotFound)
	})
}

func TestDetectFormatStep(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		want    domain.SourceFormat
		wantErr bool
	}{
		{"csv extension", State{URI: "gs://b/jan.CSV"}, domain.FormatCSV, false},
		{"pdf extension", State{URI: "gs://b/x/statement.pdf"}, domain.FormatPDF, false},
		{"explicit format wins", State{URI: "gs://b/jan.csv", Format: domain.FormatJSON}, domain.FormatJSON, false},
		{"unknown extension", State{URI: "gs://b/jan.xlsx"}, "", true},
		{"no extension", State{URI: "gs://b/jan"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			err := (&DetectFormatStep{}).Execute(context.Background(), &state)
			if tt.wantErr {
				assert.True(t, domain.IsKind(err, domain.KindMalformedInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, state.Format)
		})
	}
}

func TestValidateStep(t *testing.T) {
	inv := domain.Invoice{ID: "inv-1", OwnerID: "alice"}
	tests := []struct {
		name   string
		result *parser.Result
		kind   domain.ErrorKind
	}{
		{"consistent", &parser.Result{Invoice: inv, Transactions: []domain.Transaction{{ID: "t1", InvoiceID: "inv-1", OwnerID: "alice"}}}, ""},
		{"nothing parsed", nil, domain.KindInternal},
		{"invoice owner mismatch", &parser.Result{Invoice: domain.Invoice{ID: "inv-1", OwnerID: "bob"}}, domain.KindTenancyViolation},
		{"transaction owner mismatch", &parser.Result{Invoice: inv, Transactions: []domain.Transaction{{ID: "t1", InvoiceID: "inv-1", OwnerID: "bob"}}}, domain.KindTenancyViolation},
		{"foreign invoice", &parser.Result{Invoice: inv, Transactions: []domain.Transaction{{ID: "t1", InvoiceID: "inv-2", OwnerID: "alice"}}}, domain.KindTenancyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&ValidateStep{}).Execute(context.Background(), &State{OwnerID: "alice", Result: tt.result})
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, domain.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestIndexSummaryStep_FailureIsNotFatal(t *testing.T) {
	idx := &mockIndexer{IndexInvoiceSummaryFunc: func(context.Context, domain.Invoice) error {
		return errors.New("index down")
	}}
	state := &State{Result: &parser.Result{Invoice: domain.Invoice{ID: "inv-1"}}}
	assert.NoError(t, (&IndexSummaryStep{Documents: idx}).Execute(context.Background(), state))
	assert.NoError(t, (&IndexSummaryStep{}).Execute(context.Background(), state))
}

func TestJobHandler_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store, uri := seededStore(t, "alice/jan.csv", statementCSV)
	index := vector.NewMemoryIndex()
	embedder := vector.HashEmbedder{Dimensions: 64}
	led := ledger.NewStore(ledger.NewMemoryRepository(), index, embedder)
	docs := retrieval.NewDocuments(index, embedder)

	handler := JobHandler(NewIngestionPipeline(Deps{
		Store:     store,
		Parser:    parser.New(),
		Ledger:    led,
		Documents: docs,
	}))

	job := NewJob("alice", uri, "", "Europe/London")
	require.NoError(t, handler(ctx, job))

	assert.NotEmpty(t, job.InvoiceID)
	assert.Equal(t, domain.FormatCSV, job.Format)
	assert.Equal(t, 3, job.Transactions)
	assert.Equal(t, 1, job.SkippedRows)

	txs, err := led.GetByInvoice(ctx, job.InvoiceID, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	hits, err := docs.Search(ctx, "alice", "statement summary", "", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestJobHandler_ErrorClassification(t *testing.T) {
	store, uri := seededStore(t, "alice/jan.csv", statementCSV)
	tests := []struct {
		name          string
		uri           string
		parseErr      error
		storeErr      error
		wantPermanent bool
	}{
		{"missing object", "gs://statements/missing.csv", nil, nil, true},
		{"invalid uri", "http://elsewhere/jan.csv", nil, nil, true},
		{"malformed file", uri, domain.Errorf(domain.KindMalformedInput, "test", "no header"), nil, true},
		{"upstream down", uri, domain.Errorf(domain.KindUpstreamUnavailable, "test", "pdf extractor down"), nil, false},
		{"ledger write failed", uri, nil, errors.New("bigquery timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockParser{ParseFunc: func(_ context.Context, in parser.Input) (*parser.Result, error) {
				if tt.parseErr != nil {
					return nil, tt.parseErr
				}
				return &parser.Result{Invoice: domain.Invoice{ID: "inv-1", OwnerID: in.OwnerID}}, nil
			}}
			led := &mockLedger{StoreFunc: func(context.Context, domain.Invoice, []domain.Transaction) (*domain.Warning, error) {
				return nil, tt.storeErr
			}}
			handler := JobHandler(NewIngestionPipeline(Deps{Store: store, Parser: p, Ledger: led}))

			err := handler(context.Background(), NewJob("alice", tt.uri, "", ""))
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, jobs.IsPermanent(err))
		})
	}
}

func TestJobHandler_CarriesReconciliationWarning(t *testing.T) {
	store, uri := seededStore(t, "alice/jan.csv", statementCSV)
	p := &mockParser{ParseFunc: func(_ context.Context, in parser.Input) (*parser.Result, error) {
		return &parser.Result{
			Invoice:     domain.Invoice{ID: "inv-1", OwnerID: in.OwnerID},
			Diagnostics: parser.Diagnostics{Warnings: []domain.Warning{{Kind: domain.KindMalformedInput, Message: "row 3 skipped"}}},
		}, nil
	}}
	led := &mockLedger{StoreFunc: func(context.Context, domain.Invoice, []domain.Transaction) (*domain.Warning, error) {
		return &domain.Warning{Kind: domain.KindReconciliationMismatch, Message: "declared total differs"}, nil
	}}

	job := NewJob("alice", uri, domain.FormatCSV, "")
	require.NoError(t, JobHandler(NewIngestionPipeline(Deps{Store: store, Parser: p, Ledger: led}))(context.Background(), job))
	require.Len(t, job.Warnings, 2)
	assert.Equal(t, domain.KindReconciliationMismatch, job.Warnings[1].Kind)
}

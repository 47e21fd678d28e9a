package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/memory"
)

// SourceKind labels a reference returned with a generated answer.
type SourceKind string

const (
	SourceTransaction SourceKind = "transaction"
	SourceDocument    SourceKind = "document"
	SourceMemory      SourceKind = "memory"
	SourceInvoice     SourceKind = "invoice"
	SourceCalculation SourceKind = "calculation"
)

// Source is one piece of context the answer may draw on.
type Source struct {
	Kind    SourceKind `json:"kind"`
	ID      string     `json:"id"`
	Score   float64    `json:"score,omitempty"`
	Snippet string     `json:"snippet,omitempty"`
}

// Context is everything retrieved for one free-text exchange. It is built
// once, after every lookup has finished, and read-only afterwards.
type Context struct {
	Query        string
	Invoice      *domain.Invoice
	Breakdown    *domain.CostBreakdown
	Transactions []ledger.ScoredTransaction
	Documents    []DocumentHit
	Recent       []domain.MemoryEntry
	Similar      []memory.ScoredEntry
}

const systemPrompt = "You are an assistant that answers questions about a person's public transport fares and invoices.\n" +
	"Use only the context provided. If the context does not contain the answer, say so.\n" +
	"Figures in the CALCULATION section were computed exactly by the ledger: quote them verbatim and never recompute, round or adjust them.\n" +
	"Amounts are in pounds sterling."

// Prompt renders the system instruction and the user prompt.
func (c Context) Prompt() (system, user string) {
	var b strings.Builder

	if len(c.Recent) > 0 {
		b.WriteString("CONVERSATION SO FAR:\n")
		for _, e := range c.Recent {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", oneLine(e.UserQuery), oneLine(e.AssistantResponse))
		}
		b.WriteString("\n")
	}

	if len(c.Similar) > 0 {
		b.WriteString("RELATED EARLIER EXCHANGES:\n")
		for _, s := range c.Similar {
			fmt.Fprintf(&b, "- Q: %s A: %s\n", oneLine(s.Entry.UserQuery), oneLine(s.Entry.AssistantResponse))
		}
		b.WriteString("\n")
	}

	if c.Invoice != nil {
		fmt.Fprintf(&b, "INVOICE:\n%s\n\n", c.Invoice.SummaryText())
	}

	if c.Breakdown != nil {
		b.WriteString("CALCULATION:\n")
		b.WriteString(FormatBreakdown(*c.Breakdown))
		b.WriteString("\n")
	}

	if len(c.Transactions) > 0 {
		b.WriteString("MATCHING TRANSACTIONS:\n")
		for _, t := range c.Transactions {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Transaction.ID, t.Transaction.EmbeddingText())
		}
		b.WriteString("\n")
	}

	if len(c.Documents) > 0 {
		b.WriteString("DOCUMENTS:\n")
		for _, d := range c.Documents {
			fmt.Fprintf(&b, "- [%s#%d] %s: %s\n", d.Chunk.DocumentID, d.Chunk.Ordinal, d.Chunk.Title, oneLine(d.Chunk.Text))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "QUESTION:\n%s\n", c.Query)
	return systemPrompt, b.String()
}

// Sources lists the references attached to the answer.
func (c Context) Sources() []Source {
	var out []Source
	if c.Invoice != nil {
		out = append(out, Source{Kind: SourceInvoice, ID: c.Invoice.ID})
	}
	if c.Breakdown != nil {
		out = append(out, Source{Kind: SourceCalculation, ID: c.Breakdown.InvoiceID, Snippet: "total " + c.Breakdown.TotalAmount.String()})
	}
	for _, t := range c.Transactions {
		out = append(out, Source{Kind: SourceTransaction, ID: t.Transaction.ID, Score: t.Score, Snippet: t.Transaction.EmbeddingText()})
	}
	for _, d := range c.Documents {
		out = append(out, Source{Kind: SourceDocument, ID: fmt.Sprintf("%s#%d", d.Chunk.DocumentID, d.Chunk.Ordinal), Score: d.Score, Snippet: truncate(d.Chunk.Text, 160)})
	}
	for _, s := range c.Similar {
		out = append(out, Source{Kind: SourceMemory, ID: s.Entry.ID, Score: s.Score})
	}
	return out
}

// TransactionIDs returns the ids of the retrieved transactions.
func (c Context) TransactionIDs() []string {
	ids := make([]string, 0, len(c.Transactions))
	for _, t := range c.Transactions {
		ids = append(ids, t.Transaction.ID)
	}
	return ids
}

// FormatBreakdown renders a breakdown as plain text with every figure
// exactly as computed.
func FormatBreakdown(b domain.CostBreakdown) string {
	var s strings.Builder
	fmt.Fprintf(&s, "Selected-date total: £%s\n", b.TotalAmount)
	if b.DateRange != nil {
		fmt.Fprintf(&s, "Selected range: %s to %s\n", b.DateRange.Start, b.DateRange.End)
	}
	if b.CapPolicy != "" {
		fmt.Fprintf(&s, "Daily cap policy: %s\n", b.CapPolicy)
	}

	days := make([]string, 0, len(b.PerDay))
	for k := range b.PerDay {
		days = append(days, k)
	}
	sort.Strings(days)
	for _, k := range days {
		d := b.PerDay[k]
		line := fmt.Sprintf("%s: %d journeys, £%s", k, d.TransactionCount, d.DailyTotal)
		if d.Capped {
			line += fmt.Sprintf(" (capped from £%s)", d.RawTotal)
		}
		s.WriteString(line + "\n")
	}

	if len(b.ByJourneyType) > 0 {
		types := make([]string, 0, len(b.ByJourneyType))
		for k := range b.ByJourneyType {
			types = append(types, string(k))
		}
		sort.Strings(types)
		s.WriteString("Uncapped spend by mode:")
		for _, k := range types {
			fmt.Fprintf(&s, " %s £%s;", k, b.ByJourneyType[domain.JourneyType(k)])
		}
		s.WriteString("\n")
	}
	if len(b.UnmatchedDates) > 0 {
		ds := make([]string, len(b.UnmatchedDates))
		for i, d := range b.UnmatchedDates {
			ds[i] = d.String()
		}
		fmt.Fprintf(&s, "Dates with no travel: %s\n", strings.Join(ds, ", "))
	}
	return s.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	s = oneLine(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}


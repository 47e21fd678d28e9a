package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/parser"
)

func printInvoice(w io.Writer, inv domain.Invoice) {
	fmt.Fprintln(w, "\n=== Invoice ===")
	fmt.Fprintf(w, "ID:           %s\n", inv.ID)
	fmt.Fprintf(w, "Owner:        %s\n", inv.OwnerID)
	fmt.Fprintf(w, "Period:       %s to %s\n", inv.PeriodStart, inv.PeriodEnd)
	fmt.Fprintf(w, "Total:        £%s\n", inv.TotalAmount.StringFixed(2))
	if inv.DeclaredTotal != nil {
		fmt.Fprintf(w, "Declared:     £%s\n", inv.DeclaredTotal.StringFixed(2))
	}
	fmt.Fprintf(w, "Format:       %s\n", inv.SourceFormat)
	fmt.Fprintf(w, "Timezone:     %s\n", inv.Timezone)
	fmt.Fprintf(w, "Transactions: %d\n", inv.TransactionCount)
	for _, wn := range inv.Warnings {
		fmt.Fprintf(w, "Warning:      %s: %s\n", wn.Kind, wn.Message)
	}
}

func renderTransactions(w io.Writer, txs []domain.Transaction) {
	fmt.Fprintf(w, "\n=== Transactions (%d) ===\n", len(txs))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Date", "Type", "Zones", "Peak", "Amount", "Description"})
	for i, t := range txs {
		zones := ""
		if t.ZoneRange != nil {
			zones = t.ZoneRange.Key()
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			t.Date.String(),
			string(t.JourneyType),
			zones,
			string(t.Peak),
			t.Amount.StringFixed(2),
			t.Description,
		})
	}
	table.Render()
}

func renderDiagnostics(w io.Writer, d parser.Diagnostics) {
	if d.SkippedRows == 0 && d.IgnoredLines == 0 && len(d.Warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "\nSkipped rows: %d, ignored lines: %d\n", d.SkippedRows, d.IgnoredLines)
	for _, s := range d.Skipped {
		fmt.Fprintf(w, "  line %d: %s\n", s.Line, s.Reason)
	}
	for _, wn := range d.Warnings {
		fmt.Fprintf(w, "  warning (%s): %s\n", wn.Kind, wn.Message)
	}
}

func renderBreakdown(w io.Writer, b domain.CostBreakdown) {
	days := make([]string, 0, len(b.PerDay))
	for k := range b.PerDay {
		days = append(days, k)
	}
	sort.Strings(days)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Date", "Journeys", "Raw", "Charged", "Capped"})
	for _, k := range days {
		d := b.PerDay[k]
		capped := ""
		if d.Capped {
			capped = "yes"
		}
		table.Append([]string{k, strconv.Itoa(d.TransactionCount), d.RawTotal.String(), d.DailyTotal.String(), capped})
	}
	table.SetFooter([]string{"", "", "", "Total", b.TotalAmount.String()})
	table.Render()

	if len(b.ByJourneyType) > 0 {
		keys := make([]string, 0, len(b.ByJourneyType))
		for k := range b.ByJourneyType {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s £%s", k, b.ByJourneyType[domain.JourneyType(k)])
		}
		fmt.Fprintf(w, "By journey type: %s\n", strings.Join(parts, ", "))
	}
	if len(b.UnmatchedDates) > 0 {
		un := make([]string, len(b.UnmatchedDates))
		for i, d := range b.UnmatchedDates {
			un[i] = d.String()
		}
		fmt.Fprintf(w, "No travel on: %s\n", strings.Join(un, ", "))
	}
	if b.CapPolicy != "" {
		fmt.Fprintf(w, "Cap policy: %s\n", b.CapPolicy)
	}
}

// parseZoneCaps reads "2=8.90,4=13.00".
func parseZoneCaps(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		zone, amount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || zone == "" || amount == "" {
			return nil, fmt.Errorf("parseZoneCaps: %q is not zone=amount", pair)
		}
		out[strings.TrimSpace(zone)] = strings.TrimSpace(amount)
	}
	return out, nil
}

func contentType(f domain.SourceFormat) string {
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

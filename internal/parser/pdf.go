package parser

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/ledongthuc/pdf"
)

// LocalPDFExtractor reads the text layer of a PDF in-process.
type LocalPDFExtractor struct{}

// ExtractText returns one line per visual text row, top to bottom.
func (LocalPDFExtractor) ExtractText(_ context.Context, raw []byte) (text string, err error) {
	defer func() {
		// The reader panics on some malformed cross-reference tables.
		if r := recover(); r != nil {
			err = fmt.Errorf("LocalPDFExtractor: malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("LocalPDFExtractor: opening pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("LocalPDFExtractor: page %d: %w", i, err)
		}
		for _, row := range rows {
			words := make([]string, 0, len(row.Content))
			for _, w := range row.Content {
				if s := strings.TrimSpace(w.S); s != "" {
					words = append(words, s)
				}
			}
			if len(words) > 0 {
				b.WriteString(strings.Join(words, " "))
				b.WriteByte('\n')
			}
		}
	}
	return b.String(), nil
}

var (
	pdfDatePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{1,2}[ -](?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*[ -]\d{4})\b`)
	pdfAmountPattern = regexp.MustCompile(`(?:£\s?)?\(?\d+(?:,\d{3})*\.\d{2}\)?`)
	pdfTimePattern   = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	pdfTotalPattern  = regexp.MustCompile(`(?i)^\s*(?:statement\s+)?total\b`)
)

func (p *Parser) decodePDF(ctx context.Context, raw []byte, diag *Diagnostics) (*sourceRows, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("%PDF-")) {
		return nil, fmt.Errorf("decodePDF: %w: missing PDF header", ErrUndecodable)
	}
	text, err := p.pdf.ExtractText(ctx, raw)
	if domain.IsKind(err, domain.KindUpstreamUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("decodePDF: %w: %v", ErrUndecodable, err)
	}
	return parsePDFText(text, diag), nil
}

// parsePDFText applies the row shape to extracted text. Lines carrying a
// date or an amount but not both are counted as skipped rows; lines with
// neither are layout noise and only counted as ignored.
func parsePDFText(text string, diag *Diagnostics) *sourceRows {
	src := &sourceRows{}
	ordinal := 0

	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		dateLoc := pdfDatePattern.FindStringIndex(line)
		amounts := pdfAmountPattern.FindAllString(line, -1)

		if pdfTotalPattern.MatchString(line) && dateLoc == nil {
			if len(amounts) > 0 {
				src.declaredTotal = amounts[len(amounts)-1]
			}
			continue
		}

		switch {
		case dateLoc == nil && len(amounts) == 0:
			diag.IgnoredLines++
			continue
		case dateLoc == nil:
			diag.skip(lineNo, "line has an amount but no date")
			ordinal++
			continue
		case len(amounts) == 0:
			diag.skip(lineNo, "line has a date but no amount")
			ordinal++
			continue
		}

		dateStr := line[dateLoc[0]:dateLoc[1]]
		rest := line[:dateLoc[0]] + line[dateLoc[1]:]
		// The charge is the last money value on the line; earlier ones are
		// usually balances or fare references.
		amount := amounts[len(amounts)-1]
		if idx := strings.LastIndex(rest, amount); idx >= 0 {
			rest = rest[:idx] + rest[idx+len(amount):]
		}
		clock := pdfTimePattern.FindString(rest)
		if clock != "" {
			rest = strings.Replace(rest, clock, "", 1)
		}

		src.rows = append(src.rows, rawRow{
			line:        lineNo,
			ordinal:     ordinal,
			date:        dateStr,
			time:        clock,
			amount:      amount,
			description: strings.Join(strings.Fields(rest), " "),
		})
		ordinal++
	}
	return src
}

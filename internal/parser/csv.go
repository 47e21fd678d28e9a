package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

type csvField int

const (
	fieldDate csvField = iota
	fieldTime
	fieldAmount
	fieldType
	fieldZones
	fieldPeak
	fieldDescription
)

// headerAliases maps normalized column headers to the field they carry.
var headerAliases = map[string]csvField{
	"date":             fieldDate,
	"journey date":     fieldDate,
	"travel date":      fieldDate,
	"transaction date": fieldDate,
	"time":             fieldTime,
	"start time":       fieldTime,
	"timestamp":        fieldTime,
	"touch in":         fieldTime,
	"tap in time":      fieldTime,
	"amount":           fieldAmount,
	"charge":           fieldAmount,
	"fare":             fieldAmount,
	"cost":             fieldAmount,
	"price":            fieldAmount,
	"debit":            fieldAmount,
	"journey type":     fieldType,
	"type":             fieldType,
	"mode":             fieldType,
	"transport":        fieldType,
	"transport mode":   fieldType,
	"zones":            fieldZones,
	"zone":             fieldZones,
	"zone range":       fieldZones,
	"zones travelled":  fieldZones,
	"peak":             fieldPeak,
	"peak off peak":    fieldPeak,
	"peak offpeak":     fieldPeak,
	"journey":          fieldDescription,
	"description":      fieldDescription,
	"journey action":   fieldDescription,
	"details":          fieldDescription,
	"journey details":  fieldDescription,
	"route":            fieldDescription,
}

// headerScanLimit bounds how far into a file the header row may appear.
const headerScanLimit = 20

var (
	headerParens = regexp.MustCompile(`\(.*?\)`)
	headerSpaces = regexp.MustCompile(`\s+`)
)

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = headerParens.ReplaceAllString(h, " ")
	h = strings.NewReplacer("_", " ", "/", " ", "-", " ", ".", " ").Replace(h)
	return strings.TrimSpace(headerSpaces.ReplaceAllString(h, " "))
}

func decodeCSV(raw []byte, diag *Diagnostics) (*sourceRows, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("decodeCSV: %w: not valid UTF-8", ErrUndecodable)
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var (
		columns map[csvField]int
		src     = &sourceRows{}
		ordinal int
		scanned int
	)

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && columns != nil {
				diag.skip(pe.Line, "malformed csv record")
				ordinal++
				continue
			}
			return nil, fmt.Errorf("decodeCSV: reading record: %w", err)
		}
		line, _ := r.FieldPos(0)

		if columns == nil {
			scanned++
			if cols, ok := detectHeader(rec); ok {
				columns = cols
			} else if scanned >= headerScanLimit {
				break
			}
			continue
		}

		if isBlank(rec) {
			continue
		}

		get := func(f csvField) string {
			idx, ok := columns[f]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}

		if isTotalRow(rec) {
			total := get(fieldAmount)
			if total == "" {
				total = lastNonEmpty(rec)
			}
			src.declaredTotal = total
			continue
		}

		src.rows = append(src.rows, rawRow{
			line:        line,
			ordinal:     ordinal,
			date:        get(fieldDate),
			time:        get(fieldTime),
			amount:      get(fieldAmount),
			journeyType: get(fieldType),
			zones:       get(fieldZones),
			peak:        get(fieldPeak),
			description: get(fieldDescription),
		})
		ordinal++
	}

	if columns == nil {
		return nil, fmt.Errorf("decodeCSV: %w: no header row with date and amount columns", ErrUndecodable)
	}
	return src, nil
}

func detectHeader(rec []string) (map[csvField]int, bool) {
	cols := make(map[csvField]int)
	for i, h := range rec {
		f, ok := headerAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, seen := cols[f]; !seen {
			cols[f] = i
		}
	}
	_, hasDate := cols[fieldDate]
	_, hasAmount := cols[fieldAmount]
	return cols, hasDate && hasAmount
}

func isBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func isTotalRow(rec []string) bool {
	for _, c := range rec {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		return strings.HasPrefix(c, "total")
	}
	return false
}

func lastNonEmpty(rec []string) string {
	for i := len(rec) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(rec[i]); c != "" {
			return c
		}
	}
	return ""
}

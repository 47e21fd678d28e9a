package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// rawRow is one candidate transaction, still as source text.
type rawRow struct {
	line        int
	ordinal     int
	date        string
	altDate     string // used when date does not parse
	time        string
	amount      string
	journeyType string
	zones       string
	peak        string
	description string
}

var (
	errMissingDate   = errors.New("missing date")
	errMissingAmount = errors.New("missing amount")
)

func (r rawRow) toTransaction(loc *time.Location) (domain.Transaction, error) {
	if strings.TrimSpace(r.date) == "" {
		return domain.Transaction{}, errMissingDate
	}
	if strings.TrimSpace(r.amount) == "" {
		return domain.Transaction{}, errMissingAmount
	}

	amount, err := parseAmount(r.amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("non-numeric amount %q", r.amount)
	}
	if amount.IsNegative() {
		return domain.Transaction{}, fmt.Errorf("negative amount %q", r.amount)
	}

	date, ts, err := parseInstant(r.date, r.time, loc)
	if err != nil && r.altDate != "" {
		date, ts, err = parseInstant(r.altDate, r.time, loc)
	}
	if err != nil {
		return domain.Transaction{}, err
	}

	jt, ok := domain.ParseJourneyType(r.journeyType)
	if !ok {
		jt = domain.InferJourneyType(strings.TrimSpace(r.journeyType + " " + r.description))
	}

	// Zones are optional; an unreadable value just leaves them unknown.
	zones, err := domain.ParseZoneRange(r.zones)
	if err != nil {
		zones = nil
	}
	if zones == nil {
		zones = zonesFromText(r.description)
	}

	peak := domain.ParsePeak(r.peak)
	if peak == domain.PeakUnknown {
		peak = peakFromText(r.description)
	}

	return domain.Transaction{
		Date:        date,
		Amount:      amount,
		JourneyType: jt,
		ZoneRange:   zones,
		Peak:        peak,
		Timestamp:   ts,
		Description: strings.TrimSpace(r.description),
		Ordinal:     r.ordinal,
	}, nil
}

var currencyReplacer = strings.NewReplacer("£", "", "$", "", "€", "", "GBP", "", "gbp", "", ",", "", " ", "", "\u00a0", "")

// parseAmount reads "£1,234.50", "2.30", "(4.40)" and similar.
func parseAmount(s string) (decimal.Decimal, error) {
	s = currencyReplacer.Replace(strings.TrimSpace(s))
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return decimal.Zero, errMissingAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Statement dates are day-first.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"2-January-2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Mon, 02 Jan 2006",
	"Mon 02 Jan 2006",
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02-Jan-2006 15:04",
}

var clockPattern = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)

// parseInstant derives the calendar date and optional timestamp of a row.
// When a full instant is present the date is taken in loc, so a late
// journey near midnight lands on the day the statement's zone says.
func parseInstant(dateStr, timeStr string, loc *time.Location) (civil.Date, *time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)

	if t, err := time.Parse(time.RFC3339Nano, dateStr); err == nil {
		ts := t.In(loc)
		return civil.DateOf(ts), &ts, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, dateStr, loc); err == nil {
			return civil.DateOf(t), &t, nil
		}
	}

	var (
		d     civil.Date
		found bool
	)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, dateStr); err == nil {
			d, found = civil.DateOf(t), true
			break
		}
	}
	if !found {
		return civil.Date{}, nil, fmt.Errorf("unreadable date %q", dateStr)
	}

	m := clockPattern.FindStringSubmatch(timeStr)
	if m == nil {
		return d, nil, nil
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return d, nil, nil
	}
	ts := time.Date(d.Year, d.Month, d.Day, hh, mm, ss, 0, loc)
	return d, &ts, nil
}

var zonesPattern = regexp.MustCompile(`(?i)\bzones?\s*(\d+)(?:\s*(?:-|to)\s*(\d+))?`)

func zonesFromText(s string) *domain.ZoneRange {
	m := zonesPattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	zones := m[1]
	if m[2] != "" {
		zones += "-" + m[2]
	}
	z, err := domain.ParseZoneRange(zones)
	if err != nil {
		return nil
	}
	return z
}

func peakFromText(s string) domain.Peak {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "off-peak"), strings.Contains(l, "off peak"):
		return domain.PeakOff
	case strings.Contains(l, "peak"):
		return domain.PeakOn
	}
	return domain.PeakUnknown
}

// Package dateset validates and normalizes a user's calendar selection.
// It is pure: it never touches the ledger or the network.
package dateset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
)

// DefaultMaxDates bounds a selection when no limit is configured.
const DefaultMaxDates = 365

var (
	ErrInvalidDateFormat = errors.New("invalid date format")
	ErrTooManyDates      = errors.New("too many dates")
)

// Selector normalizes raw date strings into a SelectedDateSet.
type Selector struct {
	maxDates int
}

// New returns a Selector; maxDates <= 0 means DefaultMaxDates.
func New(maxDates int) *Selector {
	if maxDates <= 0 {
		maxDates = DefaultMaxDates
	}
	return &Selector{maxDates: maxDates}
}

// MaxDates returns the configured limit.
func (s *Selector) MaxDates() int { return s.maxDates }

// Normalize parses every entry, deduplicates and sorts ascending. Any
// unparseable entry fails the whole selection; so does a deduplicated set
// larger than the limit.
func (s *Selector) Normalize(raw []string, invoiceID, ownerID string) (domain.SelectedDateSet, error) {
	seen := make(map[civil.Date]struct{}, len(raw))
	dates := make([]civil.Date, 0, len(raw))

	for i, r := range raw {
		d, err := ParseDate(r)
		if err != nil {
			return domain.SelectedDateSet{}, domain.E(domain.KindMalformedInput, "dateset.Normalize",
				fmt.Errorf("%w: entry %d %q", ErrInvalidDateFormat, i, r))
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}

	if len(dates) > s.maxDates {
		return domain.SelectedDateSet{}, domain.E(domain.KindCapacityExceeded, "dateset.Normalize",
			fmt.Errorf("%w: %d unique dates, limit %d", ErrTooManyDates, len(dates), s.maxDates))
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	return domain.SelectedDateSet{
		Dates:     dates,
		InvoiceID: invoiceID,
		OwnerID:   ownerID,
	}, nil
}

// ParseDate accepts "2006-01-02", "02-Jan-2006" or an RFC 3339 instant. For
// an instant, the calendar date is taken as written, in the instant's own
// offset, so a client's local midnight never drifts to the previous day.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, fmt.Errorf("empty date")
	}
	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}
	if t, err := time.Parse("02-Jan-2006", s); err == nil {
		return civil.DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return civil.DateOf(t), nil
	}
	return civil.Date{}, fmt.Errorf("unrecognised date %q", s)
}

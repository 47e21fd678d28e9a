package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// JourneyType classifies a fare event by transport mode.
type JourneyType string

const (
	JourneyBus       JourneyType = "bus"
	JourneyTube      JourneyType = "tube"
	JourneyTrain     JourneyType = "train"
	JourneyTram      JourneyType = "tram"
	JourneyLightRail JourneyType = "lightRail"
	JourneyOther     JourneyType = "other"
)

// ParseJourneyType maps a loose label onto a JourneyType. Unknown labels
// report ok=false.
func ParseJourneyType(s string) (JourneyType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bus":
		return JourneyBus, true
	case "tube", "underground", "london underground", "metro", "subway":
		return JourneyTube, true
	case "train", "rail", "national rail", "overground", "london overground", "elizabeth line":
		return JourneyTrain, true
	case "tram", "trams":
		return JourneyTram, true
	case "lightrail", "light rail", "light_rail", "dlr":
		return JourneyLightRail, true
	case "other":
		return JourneyOther, true
	}
	return "", false
}

// InferJourneyType guesses the mode from a free-text journey description.
func InferJourneyType(description string) JourneyType {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "bus"):
		return JourneyBus
	case strings.Contains(d, "dlr"), strings.Contains(d, "light rail"):
		return JourneyLightRail
	case strings.Contains(d, "tram"):
		return JourneyTram
	case strings.Contains(d, "underground"), strings.Contains(d, "tube"):
		return JourneyTube
	case strings.Contains(d, "rail"), strings.Contains(d, "train"), strings.Contains(d, "overground"):
		return JourneyTrain
	}
	return JourneyOther
}

// ZoneRange is an ordered pair of fare zones, From <= To.
type ZoneRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// UnknownZoneKey is the breakdown key used for transactions without zones.
const UnknownZoneKey = "unknown"

// NewZoneRange orders the two zones.
func NewZoneRange(a, b int) *ZoneRange {
	if a > b {
		a, b = b, a
	}
	return &ZoneRange{From: a, To: b}
}

// ParseZoneRange reads "1-3", "Zones 1-3", "1 to 3" or a single "2".
func ParseZoneRange(s string) (*ZoneRange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "zones")
	s = strings.TrimPrefix(s, "zone")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.ReplaceAll(s, " to ", "-")
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		return nil, fmt.Errorf("ParseZoneRange: %q: too many parts", s)
	}
	zones := make([]int, 0, 2)
	for _, p := range parts {
		z, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || z < 0 {
			return nil, fmt.Errorf("ParseZoneRange: %q: invalid zone", s)
		}
		zones = append(zones, z)
	}
	if len(zones) == 1 {
		return NewZoneRange(zones[0], zones[0]), nil
	}
	return NewZoneRange(zones[0], zones[1]), nil
}

// Key renders the range as a map key, e.g. "1-2".
func (z *ZoneRange) Key() string {
	if z == nil {
		return UnknownZoneKey
	}
	return fmt.Sprintf("%d-%d", z.From, z.To)
}

// Peak is tri-state: the source may not say.
type Peak string

const (
	PeakUnknown Peak = "unknown"
	PeakOn      Peak = "peak"
	PeakOff     Peak = "offPeak"
)

// ParsePeak reads yes/no/peak/off-peak style labels.
func ParsePeak(s string) Peak {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peak", "true", "yes", "y", "1", "on-peak", "on peak":
		return PeakOn
	case "off-peak", "offpeak", "off peak", "false", "no", "n", "0":
		return PeakOff
	}
	return PeakUnknown
}

// Transaction is one fare event. It is immutable once the parser returns it.
type Transaction struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	OwnerID     string          `json:"owner_id"`
	Date        civil.Date      `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	JourneyType JourneyType     `json:"journey_type"`
	ZoneRange   *ZoneRange      `json:"zone_range"`
	Peak        Peak            `json:"peak"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Description string          `json:"description,omitempty"`
	// Ordinal is the position of the source row, used as the last tie-breaker.
	Ordinal int `json:"ordinal"`
}

// EmbeddingText is the text indexed for similarity search.
func (t Transaction) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s journey, £%s", t.Date, t.JourneyType, t.Amount.StringFixed(2))
	if t.ZoneRange != nil {
		fmt.Fprintf(&b, ", zones %s", t.ZoneRange.Key())
	}
	if t.Peak != PeakUnknown && t.Peak != "" {
		fmt.Fprintf(&b, ", %s", t.Peak)
	}
	if t.Description != "" {
		b.WriteString(": " + t.Description)
	}
	return b.String()
}

// SortTransactions orders by date, then timestamp, then source ordinal.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Timestamp != nil && b.Timestamp != nil && !a.Timestamp.Equal(*b.Timestamp) {
			return a.Timestamp.Before(*b.Timestamp)
		}
		return a.Ordinal < b.Ordinal
	})
}

// SumAmounts adds amounts exactly, without rounding.
func SumAmounts(txs []Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Amount)
	}
	return sum
}

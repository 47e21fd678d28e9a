package calculator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// CapPolicy decides the daily cap for one selected date. Fare rules live
// behind this interface; the calculator only applies what it is given.
type CapPolicy interface {
	Name() string
	// CapFor returns the cap for the day's transactions, or ok=false if no
	// cap applies.
	CapFor(date civil.Date, txs []domain.Transaction) (cap decimal.Decimal, ok bool)
}

// FixedDailyCap applies the same cap to every day.
type FixedDailyCap struct {
	Amount decimal.Decimal
}

func (p FixedDailyCap) Name() string {
	return "fixed-daily:" + p.Amount.StringFixed(2)
}

func (p FixedDailyCap) CapFor(_ civil.Date, _ []domain.Transaction) (decimal.Decimal, bool) {
	return p.Amount, true
}

// ZoneDailyCap looks the cap up by the highest zone travelled that day.
// Days with no zone information fall back to Fallback when set.
type ZoneDailyCap struct {
	Caps     map[int]decimal.Decimal
	Fallback *decimal.Decimal
}

func (p ZoneDailyCap) Name() string {
	zones := make([]int, 0, len(p.Caps))
	for z := range p.Caps {
		zones = append(zones, z)
	}
	sort.Ints(zones)
	parts := make([]string, 0, len(zones)+1)
	for _, z := range zones {
		parts = append(parts, fmt.Sprintf("%d=%s", z, p.Caps[z].StringFixed(2)))
	}
	if p.Fallback != nil {
		parts = append(parts, "default="+p.Fallback.StringFixed(2))
	}
	return "zone-daily:" + strings.Join(parts, ",")
}

func (p ZoneDailyCap) CapFor(_ civil.Date, txs []domain.Transaction) (decimal.Decimal, bool) {
	highest := -1
	for _, t := range txs {
		if t.ZoneRange != nil && t.ZoneRange.To > highest {
			highest = t.ZoneRange.To
		}
	}
	if highest >= 0 {
		// Use the cap of the smallest configured zone band covering the day.
		best := -1
		for z := range p.Caps {
			if z >= highest && (best == -1 || z < best) {
				best = z
			}
		}
		if best >= 0 {
			return p.Caps[best], true
		}
	}
	if p.Fallback != nil {
		return *p.Fallback, true
	}
	return decimal.Zero, false
}

// NewPolicy builds a policy from configuration values. Zone caps win over a
// flat cap, which then serves as their fallback. Both empty means no policy.
func NewPolicy(dailyCap string, zoneCaps map[string]string) (CapPolicy, error) {
	var flat *decimal.Decimal
	if strings.TrimSpace(dailyCap) != "" {
		d, err := decimal.NewFromString(strings.TrimSpace(dailyCap))
		if err != nil {
			return nil, fmt.Errorf("NewPolicy: parsing daily cap %q: %w", dailyCap, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("NewPolicy: daily cap %q is negative", dailyCap)
		}
		flat = &d
	}

	if len(zoneCaps) > 0 {
		caps := make(map[int]decimal.Decimal, len(zoneCaps))
		for k, v := range zoneCaps {
			z, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				return nil, fmt.Errorf("NewPolicy: zone key %q: %w", k, err)
			}
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("NewPolicy: zone %d cap %q: %w", z, v, err)
			}
			if d.IsNegative() {
				return nil, fmt.Errorf("NewPolicy: zone %d cap %q is negative", z, v)
			}
			caps[z] = d
		}
		return ZoneDailyCap{Caps: caps, Fallback: flat}, nil
	}

	if flat != nil {
		return FixedDailyCap{Amount: *flat}, nil
	}
	return nil, nil
}

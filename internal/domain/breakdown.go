package domain

import "cloud.google.com/go/civil"

// SubtotalBasis documents how the descriptive subtotals relate to the
// headline total: subtotals are raw spend, the total applies daily caps.
const SubtotalBasis = "byJourneyType and byZoneRange are uncapped raw spend; totalAmount is the sum of capped daily totals"

// DayBreakdown is one selected date in a CostBreakdown.
type DayBreakdown struct {
	Date             civil.Date    `json:"date"`
	TransactionCount int           `json:"transaction_count"`
	RawTotal         Money         `json:"raw_total"`
	DailyTotal       Money         `json:"daily_total"`
	Capped           bool          `json:"capped"`
	Cap              *Money        `json:"cap,omitempty"`
	Transactions     []Transaction `json:"transactions"`
}

// DateRange is the min/max of the selected dates.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// CostBreakdown is a derived view over transactions and a date selection.
// It is recomputed per request and never stored as authoritative.
type CostBreakdown struct {
	InvoiceID      string                  `json:"invoice_id"`
	TotalAmount    Money                   `json:"total_amount"`
	PerDay         map[string]DayBreakdown `json:"per_day"`
	ByJourneyType  map[JourneyType]Money   `json:"by_journey_type"`
	ByZoneRange    map[string]Money        `json:"by_zone_range"`
	DateRange      *DateRange              `json:"date_range,omitempty"`
	UnmatchedDates []civil.Date            `json:"unmatched_dates"`
	CappedDates    []civil.Date            `json:"capped_dates"`
	CapPolicy      string                  `json:"cap_policy,omitempty"`
	SubtotalBasis  string                  `json:"subtotal_basis"`
}

// Day returns the breakdown for d.
func (b *CostBreakdown) Day(d civil.Date) (DayBreakdown, bool) {
	day, ok := b.PerDay[d.String()]
	return day, ok
}

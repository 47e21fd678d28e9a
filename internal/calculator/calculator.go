// Package calculator matches ledger transactions to a date selection and
// produces an itemized, deterministic cost breakdown.
package calculator

import (
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/shopspring/decimal"
)

// Calculator is safe for concurrent use; it holds no per-request state.
type Calculator struct {
	policy CapPolicy
}

// New returns a Calculator. A nil policy disables daily caps.
func New(policy CapPolicy) *Calculator {
	return &Calculator{policy: policy}
}

// Policy returns the configured cap policy, or nil.
func (c *Calculator) Policy() CapPolicy { return c.policy }

// Calculate builds the breakdown for set over txs. All sums are exact;
// rounding to minor units happens once, when each figure is emitted.
func (c *Calculator) Calculate(txs []domain.Transaction, set domain.SelectedDateSet) domain.CostBreakdown {
	out := domain.CostBreakdown{
		InvoiceID:      set.InvoiceID,
		PerDay:         make(map[string]domain.DayBreakdown),
		ByJourneyType:  make(map[domain.JourneyType]domain.Money),
		ByZoneRange:    make(map[string]domain.Money),
		UnmatchedDates: []civil.Date{},
		CappedDates:    []civil.Date{},
		SubtotalBasis:  domain.SubtotalBasis,
		TotalAmount:    domain.NewMoney(decimal.Zero),
	}
	if c.policy != nil {
		out.CapPolicy = c.policy.Name()
	}

	dates := uniqueSorted(set.Dates)
	if len(dates) == 0 {
		return out
	}
	out.DateRange = &domain.DateRange{Start: dates[0], End: dates[len(dates)-1]}

	byDate := make(map[civil.Date][]domain.Transaction)
	for _, t := range txs {
		byDate[t.Date] = append(byDate[t.Date], t)
	}

	total := decimal.Zero
	byType := make(map[domain.JourneyType]decimal.Decimal)
	byZone := make(map[string]decimal.Decimal)

	for _, d := range dates {
		group, ok := byDate[d]
		if !ok {
			out.UnmatchedDates = append(out.UnmatchedDates, d)
			zero := domain.NewMoney(decimal.Zero)
			out.PerDay[d.String()] = domain.DayBreakdown{
				Date:         d,
				RawTotal:     zero,
				DailyTotal:   zero,
				Transactions: []domain.Transaction{},
			}
			continue
		}

		dayTxs := make([]domain.Transaction, len(group))
		copy(dayTxs, group)
		domain.SortTransactions(dayTxs)

		raw := domain.SumAmounts(dayTxs)
		daily := raw
		day := domain.DayBreakdown{
			Date:             d,
			TransactionCount: len(dayTxs),
			Transactions:     dayTxs,
		}

		if c.policy != nil {
			if limit, ok := c.policy.CapFor(d, dayTxs); ok {
				capMoney := domain.NewMoney(limit)
				day.Cap = &capMoney
				if raw.GreaterThan(limit) {
					daily = limit
					day.Capped = true
					out.CappedDates = append(out.CappedDates, d)
					metrics.CapClampsTotal.Inc()
				}
			}
		}

		day.RawTotal = domain.NewMoney(raw)
		day.DailyTotal = domain.NewMoney(daily)
		out.PerDay[d.String()] = day
		total = total.Add(daily)

		for _, t := range dayTxs {
			byType[t.JourneyType] = byType[t.JourneyType].Add(t.Amount)
			key := t.ZoneRange.Key()
			byZone[key] = byZone[key].Add(t.Amount)
		}
	}

	out.TotalAmount = domain.NewMoney(total)
	for k, v := range byType {
		out.ByJourneyType[k] = domain.NewMoney(v)
	}
	for k, v := range byZone {
		out.ByZoneRange[k] = domain.NewMoney(v)
	}
	return out
}

func uniqueSorted(in []civil.Date) []civil.Date {
	seen := make(map[civil.Date]struct{}, len(in))
	out := make([]civil.Date, 0, len(in))
	for _, d := range in {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

package dateset

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SortsAndDeduplicates(t *testing.T) {
	sel := New(0)
	set, err := sel.Normalize([]string{"2024-01-17", "2024-01-15", "2024-01-17", "2024-01-16T09:30:00+01:00"}, "inv-1", "owner-a")
	require.NoError(t, err)

	assert.Equal(t, []civil.Date{
		{Year: 2024, Month: 1, Day: 15},
		{Year: 2024, Month: 1, Day: 16},
		{Year: 2024, Month: 1, Day: 17},
	}, set.Dates)
	assert.Equal(t, "inv-1", set.InvoiceID)
	assert.Equal(t, "owner-a", set.OwnerID)
}

func TestNormalize_Empty(t *testing.T) {
	set, err := New(10).Normalize(nil, "inv", "owner")
	require.NoError(t, err)
	assert.Empty(t, set.Dates)
}

func TestNormalize_InvalidDate(t *testing.T) {
	tests := []string{"2024-02-30", "15/01/2024", "tomorrow", ""}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := New(10).Normalize([]string{"2024-01-15", raw}, "inv", "owner")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDateFormat))
			assert.Equal(t, domain.KindMalformedInput, domain.KindOf(err))
		})
	}
}

func TestNormalize_TooManyDates(t *testing.T) {
	sel := New(3)

	// Duplicates do not count against the limit.
	_, err := sel.Normalize([]string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-03"}, "inv", "owner")
	require.NoError(t, err)

	raw := make([]string, 0, 4)
	for d := 1; d <= 4; d++ {
		raw = append(raw, fmt.Sprintf("2024-01-%02d", d))
	}
	_, err = sel.Normalize(raw, "inv", "owner")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyDates))
	assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want civil.Date
	}{
		{"2024-01-15", civil.Date{Year: 2024, Month: 1, Day: 15}},
		{" 2024-01-15 ", civil.Date{Year: 2024, Month: 1, Day: 15}},
		{"15-Jan-2024", civil.Date{Year: 2024, Month: 1, Day: 15}},
		{"2024-01-15T00:30:00+02:00", civil.Date{Year: 2024, Month: 1, Day: 15}},
		{"2024-01-15T23:59:59Z", civil.Date{Year: 2024, Month: 1, Day: 15}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

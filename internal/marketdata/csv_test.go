package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHistoryCSV(t *testing.T) {
	payload := "Date,Open,High,Low,Close,Volume\n" +
		"2026-08-21,10,11,9,10.5,1200\n" +
		"2026-08-20,9,10,8,9.5,1000\n"

	bars, err := ParseHistoryCSV(payload)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2026-08-20", bars[0].Date, "rows come back sorted ascending")
	assert.Equal(t, "2026-08-21", bars[1].Date)
	assert.InDelta(t, 10.5, bars[1].Close, 1e-9)
	assert.Equal(t, int64(1200), bars[1].Volume)
}

func TestParseHistoryCSV_SkipsBadRows(t *testing.T) {
	payload := "Date,Open,High,Low,Close,Volume\n" +
		"2026-08-20,9,10,8,9.5,1000\n" +
		"N/D,1,2,3,4,5\n" +
		"2026-08-21,1,2,3,N/D,5\n" +
		"2026-08-22,1,2,3,not-a-number,5\n"

	bars, err := ParseHistoryCSV(payload)
	require.NoError(t, err)
	require.Len(t, bars, 1, "missing date, missing close and unparseable close all drop")
	assert.Equal(t, "2026-08-20", bars[0].Date)
}

func TestParseHistoryCSV_EmptyPayload(t *testing.T) {
	bars, err := ParseHistoryCSV("Date,Open,High,Low,Close,Volume\n")
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestNormalizeDate_Formats(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"2026-08-21", "2026-08-21"},
		{"8/21/2026", "2026-08-21"},
		{"20260821", "2026-08-21"},
		{"2026-08-21T15:04:05", "2026-08-21"},
		{"2026-08-21 15:04:05", "2026-08-21"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := normalizeDate(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := normalizeDate("N/D")
	assert.Error(t, err)
	_, err = normalizeDate("21st of August")
	assert.Error(t, err)
}

func TestParseQuotesCSV(t *testing.T) {
	payload := "Symbol,Date,Time,Open,High,Low,Close,Volume\n" +
		"MSFT.US,2026-08-21,22:00:01,10,11,9,10.5,1200\n" +
		"aapl.us,2026-08-21,22:00:01,5,6,4,5.5,900\n" +
		"BAD.US,N/D,,1,2,3,4,5\n"

	quotes, err := ParseQuotesCSV(payload)
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "aapl.us", quotes[0].Symbol, "symbols normalize to lowercase and sort")
	assert.Equal(t, "msft.us", quotes[1].Symbol)
	assert.InDelta(t, 10.5, quotes[1].Bar.Close, 1e-9)
}

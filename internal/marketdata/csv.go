package marketdata

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// Stooq marks missing cells with empty strings, "N/D" or "-".
func valuePresent(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "N/D", "-":
		return false
	}
	return true
}

var dateFormats = []string{"2006-01-02", "1/2/2006", "20060102"}

// normalizeDate collapses the formats Stooq has historically emitted
// (ISO, US, compact, and datetime variants) into ISO date strings.
func normalizeDate(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.ToUpper(value) == "N/D" {
		return "", fmt.Errorf("missing date value")
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	if strings.Contains(value, "T") {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t.Format("2006-01-02"), nil
		}
		if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	if strings.Contains(value, " ") {
		for _, format := range []string{"2006-01-02 15:04:05", "1/2/2006 15:04:05"} {
			if t, err := time.Parse(format, value); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
	}
	return "", fmt.Errorf("unsupported date format: %s", value)
}

func toFloat(raw string) (float64, error) {
	if !valuePresent(raw) {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func toInt(raw string) (int64, error) {
	if !valuePresent(raw) {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// csvRows reads a CSV payload into header-keyed rows; lookups are
// case-insensitive because Stooq's casing has drifted over time.
func csvRows(payload string) ([]map[string]string, error) {
	reader := csv.NewReader(strings.NewReader(payload))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i >= len(record) {
				break
			}
			row[strings.ToLower(strings.TrimSpace(name))] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowBar(row map[string]string) (domain.Bar, error) {
	date, err := normalizeDate(row["date"])
	if err != nil {
		return domain.Bar{}, err
	}
	open, err := toFloat(row["open"])
	if err != nil {
		return domain.Bar{}, err
	}
	high, err := toFloat(row["high"])
	if err != nil {
		return domain.Bar{}, err
	}
	low, err := toFloat(row["low"])
	if err != nil {
		return domain.Bar{}, err
	}
	closeVal, err := toFloat(row["close"])
	if err != nil {
		return domain.Bar{}, err
	}
	volume, err := toInt(row["volume"])
	if err != nil {
		return domain.Bar{}, err
	}
	return domain.Bar{Date: date, Open: open, High: high, Low: low, Close: closeVal, Volume: volume}, nil
}

// ParseHistoryCSV parses a daily-history payload into bars sorted by
// date ascending. Rows missing date or close, and rows that fail to
// parse, are skipped rather than failing the whole payload.
func ParseHistoryCSV(payload string) ([]domain.Bar, error) {
	rows, err := csvRows(payload)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if !valuePresent(row["date"]) || !valuePresent(row["close"]) {
			continue
		}
		bar, err := rowBar(row)
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// Quote is one snapshot row from the batched quotes endpoint.
type Quote struct {
	Symbol string
	Bar    domain.Bar
}

// ParseQuotesCSV parses a batched quotes payload, sorted by symbol then
// date. Rows missing symbol, date or close are skipped.
func ParseQuotesCSV(payload string) ([]Quote, error) {
	rows, err := csvRows(payload)
	if err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(rows))
	for _, row := range rows {
		if !valuePresent(row["symbol"]) || !valuePresent(row["date"]) || !valuePresent(row["close"]) {
			continue
		}
		bar, err := rowBar(row)
		if err != nil {
			continue
		}
		quotes = append(quotes, Quote{Symbol: normalizeSymbol(row["symbol"]), Bar: bar})
	}
	sort.Slice(quotes, func(i, j int) bool {
		if quotes[i].Symbol != quotes[j].Symbol {
			return quotes[i].Symbol < quotes[j].Symbol
		}
		return quotes[i].Bar.Date < quotes[j].Bar.Date
	})
	return quotes, nil
}

package marketdata

import (
	"sort"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// MergeBars folds incoming bars into the existing buffer keyed by date.
// An incoming bar that differs from the stored one replaces it and its
// date is reported as changed. The result is sorted ascending and
// right-truncated to maxBars; changed dates that fell off the left edge
// are dropped from the report.
func MergeBars(existing, incoming []domain.Bar, maxBars int) ([]domain.Bar, []string) {
	byDate := make(map[string]domain.Bar, len(existing)+len(incoming))
	for _, bar := range existing {
		byDate[bar.Date] = bar
	}
	changedSet := map[string]bool{}
	for _, bar := range incoming {
		if current, ok := byDate[bar.Date]; !ok || current != bar {
			changedSet[bar.Date] = true
		}
		byDate[bar.Date] = bar
	}

	merged := make([]domain.Bar, 0, len(byDate))
	for _, bar := range byDate {
		merged = append(merged, bar)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date < merged[j].Date })
	if maxBars > 0 && len(merged) > maxBars {
		merged = merged[len(merged)-maxBars:]
	}

	surviving := make(map[string]bool, len(merged))
	for _, bar := range merged {
		surviving[bar.Date] = true
	}
	var changed []string
	for date := range changedSet {
		if surviving[date] {
			changed = append(changed, date)
		}
	}
	sort.Strings(changed)
	return merged, changed
}

// DetectCorpActionSuspected flags a last close jumping more than 50%
// either way against the previous close, the signature of an unadjusted
// split or a symbol mixup.
func DetectCorpActionSuspected(bars []domain.Bar) bool {
	if len(bars) < 2 {
		return false
	}
	prev := bars[len(bars)-2].Close
	last := bars[len(bars)-1].Close
	if prev <= 0 {
		return false
	}
	ratio := last / prev
	return ratio < 0.5 || ratio > 1.5
}

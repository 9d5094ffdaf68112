package domain

// Bar is one trading day's OHLCV record keyed by ISO date.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Valid reports whether the bar can enter a buffer. Volume may be zero
// (index feeds report none) but never negative, and the date must be set.
func (b Bar) Valid() bool {
	return b.Date != "" && b.Volume >= 0
}

// Closes extracts the close series from a bar slice.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

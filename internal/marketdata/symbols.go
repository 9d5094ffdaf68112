// Package marketdata talks to the Stooq CSV endpoints: symbol mapping,
// payload parsing, history/quote fetching and bar-buffer merging.
package marketdata

import "strings"

// exchangeSuffixes maps watchlist exchange codes onto Stooq market
// suffixes, in preference order.
var exchangeSuffixes = map[string][]string{
	"NYSE":   {"us"},
	"NASDAQ": {"us"},
	"AMEX":   {"us"},
	"US":     {"us"},
	"LSE":    {"uk", "l"},
	"ETR":    {"de"},
	"XETRA":  {"de"},
	"XETR":   {"de"},
	"FRA":    {"de"},
	"EPA":    {"fr"},
	"PA":     {"fr"},
	"BIT":    {"it"},
	"MI":     {"it"},
	"AMS":    {"nl"},
	"SW":     {"sw"},
	"OSL":    {"ol"},
	"OSE":    {"ol"},
	"ASX":    {"au"},
	"NSE":    {"in"},
	"TSE":    {"jp"},
	"TYO":    {"jp"},
	"JP":     {"jp"},
	"TSX":    {"ca"},
	"HEL":    {"fi"},
	"CPH":    {"dk"},
	"SZ":     {"cn"},
	"SHE":    {"cn"},
	"SHA":    {"cn"},
	"SGX":    {"sg"},
	"KRX":    {"kr"},
	"ADX":    {"ae"},
	"EGX":    {"eg"},
	"LAG":    {"ng"},
	"GSE":    {"gh"},
	"KW":     {"kw"},
}

func normalizeSymbol(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeExchange(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// DefaultStooqSymbol derives the feed symbol for a ticker/exchange
// pair. A ticker that already carries a suffix passes through; unknown
// exchanges fall back to the US market.
func DefaultStooqSymbol(ticker, exchange string) string {
	t := normalizeSymbol(ticker)
	if t == "" {
		return ""
	}
	if strings.Contains(t, ".") {
		return t
	}
	if suffixes := exchangeSuffixes[normalizeExchange(exchange)]; len(suffixes) > 0 {
		return t + "." + suffixes[0]
	}
	return t + ".us"
}

// BuildSymbolCandidates lists feed symbols to try for a position, best
// first: the stored symbol, the exchange default, every exchange
// suffix, the US fallback and the bare ticker. Duplicates collapse to
// their first appearance. A pre-suffixed ticker short-circuits.
func BuildSymbolCandidates(ticker, exchange, currentSymbol string) []string {
	t := normalizeSymbol(ticker)
	ex := normalizeExchange(exchange)
	var candidates []string

	appendSym := func(symbol string) {
		normalized := normalizeSymbol(symbol)
		if normalized == "" {
			return
		}
		for _, existing := range candidates {
			if existing == normalized {
				return
			}
		}
		candidates = append(candidates, normalized)
	}

	appendSym(currentSymbol)
	appendSym(DefaultStooqSymbol(t, ex))

	if t == "" {
		return candidates
	}
	if strings.Contains(t, ".") {
		appendSym(t)
		return candidates
	}

	for _, suffix := range exchangeSuffixes[ex] {
		appendSym(t + "." + suffix)
	}
	appendSym(t + ".us")
	appendSym(t)
	return candidates
}

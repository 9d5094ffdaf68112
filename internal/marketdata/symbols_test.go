package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStooqSymbol(t *testing.T) {
	assert.Equal(t, "msft.us", DefaultStooqSymbol("MSFT", "NASDAQ"))
	assert.Equal(t, "vod.uk", DefaultStooqSymbol("VOD", "LSE"), "LSE prefers the uk suffix")
	assert.Equal(t, "sap.de", DefaultStooqSymbol("SAP", "XETRA"))
	assert.Equal(t, "abc.us", DefaultStooqSymbol("ABC", "UNKNOWN"), "unknown exchanges fall back to US")
	assert.Equal(t, "msft.us", DefaultStooqSymbol("msft.us", "LSE"), "pre-suffixed tickers pass through")
	assert.Equal(t, "", DefaultStooqSymbol("  ", "NYSE"))
}

func TestBuildSymbolCandidates(t *testing.T) {
	got := BuildSymbolCandidates("VOD", "LSE", "vod.uk")
	assert.Equal(t, []string{"vod.uk", "vod.l", "vod.us", "vod"}, got,
		"stored symbol first, then every exchange suffix, US fallback and bare ticker")

	got = BuildSymbolCandidates("MSFT", "NASDAQ", "")
	assert.Equal(t, []string{"msft.us", "msft"}, got)

	got = BuildSymbolCandidates("sap.de", "XETRA", "old.de")
	assert.Equal(t, []string{"old.de", "sap.de"}, got, "a pre-suffixed ticker short-circuits")

	got = BuildSymbolCandidates("", "NYSE", "legacy.us")
	assert.Equal(t, []string{"legacy.us"}, got)
}

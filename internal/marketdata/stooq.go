package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/psmwatch/psmwatch/internal/domain"
)

const (
	historyBaseURL = "https://stooq.com/q/d/l/"
	quotesBaseURL  = "https://stooq.com/q/l/"

	// DefaultQuotesBatchSize is how many symbols go into one quotes
	// request when the caller passes no batch size.
	DefaultQuotesBatchSize = 8

	userAgent = "psmwatch/1.0"
)

// Fetcher is the feed surface the orchestrator consumes; tests swap in
// a canned implementation.
type Fetcher interface {
	FetchLastDays(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error)
	FetchLatestQuotesBatched(ctx context.Context, symbols []string, batchSize int) (map[string][]domain.Bar, []string, error)
}

// Client fetches Stooq CSV payloads with a shared rate limit and a
// circuit breaker in front of the HTTP calls.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	historyURL string
	quotesURL  string
	log        zerolog.Logger
}

// ClientOption mutates a Client during construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs points the client at alternative endpoints.
func WithBaseURLs(history, quotes string) ClientOption {
	return func(c *Client) {
		c.historyURL = history
		c.quotesURL = quotes
	}
}

// WithRateLimit replaces the default request budget.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient builds a production client: 30s request timeout, 2 rps
// with small burst, breaker tripping on consecutive failures.
func NewClient(logger zerolog.Logger, opts ...ClientOption) *Client {
	settings := gobreaker.Settings{
		Name:     "stooq",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
		historyURL: historyBaseURL,
		quotesURL:  quotesBaseURL,
		log:        logger.With().Str("component", "stooq").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	payload, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("stooq: unexpected status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return string(body), nil
	})
	if err != nil {
		return "", err
	}
	return payload.(string), nil
}

// FetchDailyHistory pulls daily bars for one symbol over a date range;
// zero time bounds are omitted from the query.
func (c *Client) FetchDailyHistory(ctx context.Context, symbol string, startDate, endDate time.Time) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("s", normalizeSymbol(symbol))
	params.Set("i", "d")
	if !startDate.IsZero() {
		params.Set("d1", startDate.Format("20060102"))
	}
	if !endDate.IsZero() {
		params.Set("d2", endDate.Format("20060102"))
	}
	payload, err := c.get(ctx, c.historyURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", symbol, err)
	}
	return ParseHistoryCSV(payload)
}

// FetchLastDays pulls roughly the last nDays trading bars. The query
// window is padded 4x in calendar days (minimum 30) to cover weekends
// and holidays, then trimmed to the tail.
func (c *Client) FetchLastDays(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error) {
	today := time.Now().UTC()
	padding := nDays * 4
	if padding < 30 {
		padding = 30
	}
	start := today.AddDate(0, 0, -padding)
	bars, err := c.FetchDailyHistory(ctx, symbol, start, today)
	if err != nil {
		return nil, err
	}
	if nDays > 0 && len(bars) > nDays {
		bars = bars[len(bars)-nDays:]
	}
	return bars, nil
}

// FetchLatestQuotesBatched requests snapshot quotes in chunks and keeps
// the newest bar per symbol. Symbols of a failed chunk are returned in
// the second result; a partial run is not an error.
func (c *Client) FetchLatestQuotesBatched(ctx context.Context, symbols []string, batchSize int) (map[string][]domain.Bar, []string, error) {
	var normalized []string
	seen := map[string]bool{}
	for _, symbol := range symbols {
		s := normalizeSymbol(symbol)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		normalized = append(normalized, s)
	}

	barsBySymbol := make(map[string][]domain.Bar, len(normalized))
	for _, symbol := range normalized {
		barsBySymbol[symbol] = []domain.Bar{}
	}
	var failed []string
	if len(normalized) == 0 {
		return barsBySymbol, nil, nil
	}
	if batchSize < 1 {
		batchSize = DefaultQuotesBatchSize
	}

	for start := 0; start < len(normalized); start += batchSize {
		end := start + batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk := normalized[start:end]

		params := url.Values{}
		params.Set("s", strings.Join(chunk, " "))
		params.Set("f", "sd2t2ohlcv")
		params.Set("h", "")
		params.Set("e", "csv")

		payload, err := c.get(ctx, c.quotesURL+"?"+params.Encode())
		if err != nil {
			c.log.Warn().Err(err).Strs("symbols", chunk).Msg("quotes chunk failed")
			failed = append(failed, chunk...)
			continue
		}
		quotes, err := ParseQuotesCSV(payload)
		if err != nil {
			c.log.Warn().Err(err).Strs("symbols", chunk).Msg("quotes chunk unparseable")
			failed = append(failed, chunk...)
			continue
		}

		latest := map[string]domain.Bar{}
		for _, quote := range quotes {
			if _, ok := barsBySymbol[quote.Symbol]; !ok {
				continue
			}
			if prev, ok := latest[quote.Symbol]; !ok || quote.Bar.Date > prev.Date {
				latest[quote.Symbol] = quote.Bar
			}
		}
		for symbol, bar := range latest {
			barsBySymbol[symbol] = []domain.Bar{bar}
		}
	}

	sort.Strings(failed)
	failed = dedupSorted(failed)
	return barsBySymbol, failed, nil
}

func dedupSorted(values []string) []string {
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

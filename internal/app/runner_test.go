package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psmwatch/psmwatch/internal/domain"
	"github.com/psmwatch/psmwatch/internal/store"
)

func dayBar(day int, close float64) domain.Bar {
	return domain.Bar{
		Date:   fmt.Sprintf("2026-01-%02d", day),
		Open:   close,
		High:   close,
		Low:    close,
		Close:  close,
		Volume: 1000,
	}
}

func daySeries(from, to int, close float64) []domain.Bar {
	var bars []domain.Bar
	for day := from; day <= to; day++ {
		bars = append(bars, dayBar(day, close))
	}
	return bars
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "positions.json"), zerolog.Nop())
	require.NoError(t, err)
	return st
}

func seedWatchPosition(t *testing.T, st *store.Store, key string, bars []domain.Bar, lastProcessed string) {
	t.Helper()
	ctx := context.Background()
	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := domain.NewPosition(key)
	pos.Buffers.OHLC = bars
	if lastProcessed != "" {
		pos.Runtime.LastProcessedBarDate = domain.Str(lastProcessed)
	}
	doc.Positions[key] = pos
	require.NoError(t, st.Save(ctx, doc))
}

// fakeFeed is a canned marketdata.Fetcher.
type fakeFeed struct {
	histories map[string][]domain.Bar
	quotes    map[string][]domain.Bar
	failed    []string
	quotesErr error
	calls     []string
}

func (f *fakeFeed) FetchLastDays(_ context.Context, symbol string, nDays int) ([]domain.Bar, error) {
	f.calls = append(f.calls, fmt.Sprintf("history:%s:%d", symbol, nDays))
	bars, ok := f.histories[symbol]
	if !ok {
		return nil, errors.New("no data for symbol")
	}
	if nDays > 0 && len(bars) > nDays {
		bars = bars[len(bars)-nDays:]
	}
	return bars, nil
}

func (f *fakeFeed) FetchLatestQuotesBatched(_ context.Context, symbols []string, _ int) (map[string][]domain.Bar, []string, error) {
	f.calls = append(f.calls, fmt.Sprintf("quotes:%d", len(symbols)))
	if f.quotesErr != nil {
		return nil, nil, f.quotesErr
	}
	return f.quotes, f.failed, nil
}

func TestRunDaily_WithBarFetcher(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", nil, "")
	ctx := context.Background()

	var fetchedSymbol string
	var fetchedDays int
	fetcher := func(_ context.Context, symbol string, days int) ([]domain.Bar, error) {
		fetchedSymbol = symbol
		fetchedDays = days
		return daySeries(1, 6, 100), nil
	}
	runner := NewRunner(st, nil, zerolog.Nop(), WithBarFetcher(fetcher))

	result, err := runner.RunDaily(ctx)
	require.NoError(t, err)

	assert.Equal(t, "acme.us", fetchedSymbol, "first symbol candidate wins")
	assert.Equal(t, 10, fetchedDays)
	require.NotNil(t, result.BarDate)
	assert.Equal(t, "2026-01-06", *result.BarDate)
	require.Len(t, result.Decisions, 1)
	d := result.Decisions[0]
	assert.Equal(t, "2026-01-06", d.BarDate)
	assert.Equal(t, domain.ActionWait, d.Action.Type)
	assert.Equal(t, domain.ReasonEntryWaitData, d.Reason.Code, "six bars cannot qualify an entry")
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.Summary.TotalPositions)
	assert.NotEmpty(t, result.TelegramMessage)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := doc.Positions["ACME:NYSE"]
	require.NotNil(t, pos)
	assert.Len(t, pos.Buffers.OHLC, 6, "merged bars persist")
	require.NotNil(t, pos.Runtime.LastProcessedBarDate)
	assert.Equal(t, "2026-01-06", *pos.Runtime.LastProcessedBarDate)
	require.NotNil(t, doc.Meta.AsofBarDate)
	assert.Equal(t, "2026-01-06", *doc.Meta.AsofBarDate)
}

func TestRunDaily_NoNewBarOnRepeat(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", nil, "")
	ctx := context.Background()

	fetcher := func(context.Context, string, int) ([]domain.Bar, error) {
		return daySeries(1, 6, 100), nil
	}
	runner := NewRunner(st, nil, zerolog.Nop(), WithBarFetcher(fetcher))

	_, err := runner.RunDaily(ctx)
	require.NoError(t, err)
	result, err := runner.RunDaily(ctx)
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, domain.ReasonNoNewBar, result.Decisions[0].Reason.Code)
	assert.Equal(t, domain.ActionWait, result.Decisions[0].Action.Type)
	require.NotNil(t, result.BarDate)
	assert.Equal(t, "2026-01-06", *result.BarDate, "the watermark survives a quiet run")
}

func TestRunDaily_FetchErrorIsReported(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", nil, "")

	fetcher := func(context.Context, string, int) ([]domain.Bar, error) {
		return nil, errors.New("feed down")
	}
	runner := NewRunner(st, nil, zerolog.Nop(), WithBarFetcher(fetcher))

	result, err := runner.RunDaily(context.Background())
	require.NoError(t, err, "a per-symbol fetch failure never fails the run")
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, domain.ReasonDataFetchError, result.Decisions[0].Reason.Code)
	assert.Equal(t, domain.ActionWait, result.Decisions[0].Action.Type)
}

func TestRunDaily_CorpActionRebuildsHistory(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", daySeries(1, 9, 100), "2026-01-09")
	ctx := context.Background()

	fetcher := func(_ context.Context, _ string, days int) ([]domain.Bar, error) {
		if days >= 260 {
			// Clean adjusted history after the suspected split.
			return daySeries(1, 10, 50), nil
		}
		return []domain.Bar{dayBar(10, 300)}, nil
	}
	runner := NewRunner(st, nil, zerolog.Nop(), WithBarFetcher(fetcher))

	result, err := runner.RunDaily(ctx)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "2026-01-10", result.Decisions[0].BarDate)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := doc.Positions["ACME:NYSE"]
	require.Len(t, pos.Buffers.OHLC, 10)
	assert.InDelta(t, 50.0, pos.Buffers.OHLC[9].Close, 1e-9, "the rebuilt series replaces the spiked merge")
}

func TestRunDaily_QuoteFeedResolvesSymbolAndSeeds(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", nil, "")
	ctx := context.Background()

	feed := &fakeFeed{
		histories: map[string][]domain.Bar{
			"^vix":    {dayBar(11, 22)},
			"acme.us": daySeries(1, 10, 100),
		},
		quotes: map[string][]domain.Bar{
			"acme.us": {dayBar(11, 101)},
		},
	}
	runner := NewRunner(st, feed, zerolog.Nop())

	result, err := runner.RunDaily(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.BarDate)
	assert.Equal(t, "2026-01-11", *result.BarDate)

	assert.Contains(t, feed.calls, "history:^vix:1", "volatility regime is read once per run")
	assert.Contains(t, feed.calls, "history:acme.us:400", "an empty buffer triggers the long seed")

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := doc.Positions["ACME:NYSE"]
	require.NotNil(t, pos.Identity.StooqSymbol)
	assert.Equal(t, "acme.us", *pos.Identity.StooqSymbol, "the candidate with quote data sticks")
	assert.Len(t, pos.Buffers.OHLC, 11, "seed and quote bar merge")
}

func TestRunDaily_QuoteBatchFailureFallsBackToHistory(t *testing.T) {
	st := newTestStore(t)
	seedWatchPosition(t, st, "ACME:NYSE", daySeries(1, 9, 100), "2026-01-09")
	ctx := context.Background()

	feed := &fakeFeed{
		histories: map[string][]domain.Bar{
			"^vix":    {dayBar(10, 22)},
			"acme.us": daySeries(1, 10, 100),
		},
		quotesErr: errors.New("endpoint down"),
	}
	runner := NewRunner(st, feed, zerolog.Nop())

	result, err := runner.RunDaily(ctx)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "2026-01-10", result.Decisions[0].BarDate, "per-symbol history retry still finds the new bar")
	assert.Contains(t, feed.calls, "history:acme.us:10")
}

func TestRunDailyForTicker_CreatesOnFirstSight(t *testing.T) {
	st := newTestStore(t)
	runner := NewRunner(st, nil, zerolog.Nop(),
		WithClock(func() time.Time { return time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC) }))
	ctx := context.Background()

	decision, err := runner.RunDailyForTicker(ctx, "novo", daySeries(1, 6, 100))
	require.NoError(t, err)
	assert.Equal(t, "NOVO:UNKNOWN", decision.Key)
	assert.Equal(t, domain.ModeWatch, decision.Mode)
	assert.Equal(t, "2026-01-06", decision.BarDate)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := doc.Positions["NOVO:UNKNOWN"]
	require.NotNil(t, pos)
	assert.Equal(t, domain.StateExitedCooldown, pos.State)
	assert.Len(t, pos.Buffers.OHLC, 6)

	// The same ticker in different case reuses the position.
	decision, err = runner.RunDailyForTicker(ctx, "NoVo", []domain.Bar{dayBar(7, 101)})
	require.NoError(t, err)
	assert.Equal(t, "NOVO:UNKNOWN", decision.Key)
	assert.Equal(t, "2026-01-07", decision.BarDate)
}

func TestClearPermanentExit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	doc, err := st.Load(ctx)
	require.NoError(t, err)
	pos := domain.NewPosition("ACME:NYSE")
	pos.Runtime.PermanentExit = true
	doc.Positions["ACME:NYSE"] = pos
	require.NoError(t, st.Save(ctx, doc))

	runner := NewRunner(st, nil, zerolog.Nop())

	found, err := runner.ClearPermanentExit(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, found)

	doc, err = st.Load(ctx)
	require.NoError(t, err)
	assert.False(t, doc.Positions["ACME:NYSE"].Runtime.PermanentExit)

	found, err = runner.ClearPermanentExit(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveNewDates(t *testing.T) {
	pos := domain.NewPosition("ACME:NYSE")
	changed := []string{"2026-01-03", "2026-01-01", "2026-01-02"}
	assert.Equal(t, []string{"2026-01-01", "2026-01-02", "2026-01-03"}, resolveNewDates(pos, changed),
		"a never-processed position replays every changed date in order")

	pos.Runtime.LastProcessedBarDate = domain.Str("2026-01-02")
	assert.Equal(t, []string{"2026-01-03"}, resolveNewDates(pos, changed))
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psmwatch/psmwatch/internal/domain"
)

func openFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	st, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return st, path
}

func writeBlob(t *testing.T, path, blob string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o644))
}

func TestIsPostgresTarget(t *testing.T) {
	assert.True(t, IsPostgresTarget("postgres://user@host/db"))
	assert.True(t, IsPostgresTarget("  PostgreSQL://user@host/db"))
	assert.False(t, IsPostgresTarget("data/positions.json"))
}

func TestLoad_MissingFileMaterializesEmptyStore(t *testing.T) {
	st, path := openFileStore(t)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SchemaVersion, doc.Meta.SchemaVersion)
	assert.Empty(t, doc.Positions)
	assert.Equal(t, domain.DefaultSettings(), doc.Global)
	assert.FileExists(t, path, "empty store is persisted immediately")
}

func TestSaveLoadRoundtrip(t *testing.T) {
	st, _ := openFileStore(t)
	ctx := context.Background()

	doc := domain.NewDocument()
	pos := domain.NewPosition("ACME:NYSE")
	pos.Mode = domain.ModeOwned
	pos.State = domain.StateNormalRun
	pos.Execution.EntryPrice = domain.Float(100)
	pos.Execution.TargetWeightPct = domain.Float(4)
	pos.Runtime.HWMClose = domain.Float(120)
	pos.Buffers.OHLC = []domain.Bar{
		{Date: "2026-08-19", Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
	}
	doc.Positions["ACME:NYSE"] = pos
	require.NoError(t, st.Save(ctx, doc))

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	got := loaded.Positions["ACME:NYSE"]
	require.NotNil(t, got)
	assert.Equal(t, domain.ModeOwned, got.Mode)
	assert.Equal(t, domain.StateNormalRun, got.State)
	require.NotNil(t, got.Execution.EntryPrice)
	assert.InDelta(t, 100.0, *got.Execution.EntryPrice, 1e-9)
	require.NotNil(t, got.Runtime.HWMClose)
	assert.InDelta(t, 120.0, *got.Runtime.HWMClose, 1e-9)
	require.Len(t, got.Buffers.OHLC, 1)
	assert.Equal(t, "2026-08-19", got.Buffers.OHLC[0].Date)
}

func TestLoad_LegacyFlatMapMigratesAndBacksUp(t *testing.T) {
	st, path := openFileStore(t)
	writeBlob(t, path, `{
	  "ACME:NYSE": {
	    "ticker": "ACME",
	    "exchange": "NYSE",
	    "entry": 100.0,
	    "state": "ACTIVE",
	    "hwm": 120.0,
	    "position_pct": 4.0,
	    "base_total": 110.0,
	    "buffers": {
	      "date": ["2026-08-19", "2026-08-20"],
	      "open": [10, 11],
	      "high": [10, 11],
	      "low": [10, 11],
	      "close": [10, 11],
	      "volume": [100, 100]
	    }
	  }
	}`)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)

	pos := doc.Positions["ACME:NYSE"]
	require.NotNil(t, pos)
	assert.Equal(t, domain.ModeOwned, pos.Mode, "an entry price implies OWNED")
	assert.Equal(t, domain.StateNormalRun, pos.State, "ACTIVE maps onto NORMAL_RUN")
	require.NotNil(t, pos.Execution.EntryPrice)
	assert.InDelta(t, 100.0, *pos.Execution.EntryPrice, 1e-9)
	require.NotNil(t, pos.Execution.TargetWeightPct)
	assert.InDelta(t, 4.0, *pos.Execution.TargetWeightPct, 1e-9)
	assert.InDelta(t, 4.0, pos.Execution.CurrentWeightPct, 1e-9)
	require.NotNil(t, pos.Runtime.HWMClose)
	assert.InDelta(t, 120.0, *pos.Runtime.HWMClose, 1e-9)
	require.NotNil(t, pos.Targets.BaseTotal)
	assert.InDelta(t, 110.0, *pos.Targets.BaseTotal, 1e-9)
	require.Len(t, pos.Buffers.OHLC, 2, "columnar buffers lift into bars")
	assert.Equal(t, "2026-08-19", pos.Buffers.OHLC[0].Date)

	assert.FileExists(t, filepath.Join(filepath.Dir(path), "positions.pre_migration.json"),
		"original blob is backed up before the rewrite")

	// A second load sees the migrated shape and leaves no further work.
	again, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc.Positions["ACME:NYSE"].Mode, again.Positions["ACME:NYSE"].Mode)
}

func TestLoad_LegacyListMigrates(t *testing.T) {
	st, path := openFileStore(t)
	writeBlob(t, path, `[
	  {"ticker": "ACME", "exchange": "NYSE", "state": "EXITED_COOLDOWN"},
	  {"exchange": "NYSE"},
	  {"ticker": "VOD", "bars": [{"date": "2026-08-20", "close": 9.5}]}
	]`)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Positions, 2, "a list item without a ticker drops")

	acme := doc.Positions["ACME:NYSE"]
	require.NotNil(t, acme)
	assert.Equal(t, domain.ModeWatch, acme.Mode)
	assert.Equal(t, domain.StateExitedCooldown, acme.State)

	vod := doc.Positions["VOD:UNKNOWN"]
	require.NotNil(t, vod, "missing exchange falls back to UNKNOWN")
	require.Len(t, vod.Buffers.OHLC, 1)
	assert.InDelta(t, 9.5, vod.Buffers.OHLC[0].Close, 1e-9)
}

func TestLoad_CurrentShapeMergesOverDefaults(t *testing.T) {
	st, path := openFileStore(t)
	writeBlob(t, path, `{
	  "meta": {"schema_version": "psm_v3", "asof_bar_date": "2026-08-20"},
	  "global": {"bars_buffer_max": 50, "lab_only_flag": true},
	  "positions": {
	    "ACME:NYSE": {"mode": "WATCH", "state": "REENTRY_WINDOW"}
	  }
	}`)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SchemaVersion, doc.Meta.SchemaVersion, "schema version is stamped current")
	require.NotNil(t, doc.Meta.AsofBarDate)
	assert.Equal(t, "2026-08-20", *doc.Meta.AsofBarDate)

	assert.Equal(t, 50, doc.Global.BarsBufferMax, "stored value wins")
	assert.Equal(t, 14, doc.Global.ATRPeriod, "missing keys keep their defaults")

	pos := doc.Positions["ACME:NYSE"]
	require.NotNil(t, pos)
	assert.Equal(t, domain.StateReentryWindow, pos.State)
	assert.Equal(t, "ACME", pos.Identity.Ticker, "identity fills from the key")
	assert.True(t, pos.EntryProfile.Enabled, "defaults cover omitted sections")
}

func TestLoad_NormalizationCoercesAndDedups(t *testing.T) {
	st, path := openFileStore(t)
	// OWNED without an entry price, plus a duplicated and unsorted buffer.
	writeBlob(t, path, `{
	  "meta": {},
	  "global": {},
	  "positions": {
	    "ACME:NYSE": {
	      "mode": "OWNED",
	      "state": "NORMAL_RUN",
	      "buffers": {"ohlc": [
	        {"date": "2026-08-20", "open": 11, "high": 11, "low": 11, "close": 11, "volume": 1},
	        {"date": "2026-08-19", "open": 10, "high": 10, "low": 10, "close": 10, "volume": 1},
	        {"date": "2026-08-20", "open": 12, "high": 12, "low": 12, "close": 12, "volume": 1}
	      ]}
	    }
	  }
	}`)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)

	pos := doc.Positions["ACME:NYSE"]
	require.NotNil(t, pos)
	assert.Equal(t, domain.ModeWatch, pos.Mode, "OWNED without entry price demotes to WATCH")
	assert.Equal(t, domain.StateExitedCooldown, pos.State)
	require.Len(t, pos.Buffers.OHLC, 2)
	assert.Equal(t, "2026-08-19", pos.Buffers.OHLC[0].Date)
	assert.InDelta(t, 12.0, pos.Buffers.OHLC[1].Close, 1e-9, "last duplicate wins")
}

func TestLoad_CorruptBlobFails(t *testing.T) {
	st, path := openFileStore(t)
	writeBlob(t, path, "{not json")

	_, err := st.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStore)
}

func TestValidate(t *testing.T) {
	owned := func() *domain.Position {
		pos := domain.NewPosition("ACME:NYSE")
		pos.Mode = domain.ModeOwned
		pos.State = domain.StateNormalRun
		pos.Execution.EntryPrice = domain.Float(100)
		return pos
	}

	cases := []struct {
		name    string
		mutate  func(doc *domain.Document)
		wantErr string
	}{
		{
			name:   "valid document",
			mutate: func(doc *domain.Document) { doc.Positions["ACME:NYSE"] = owned() },
		},
		{
			name: "owned in watch state",
			mutate: func(doc *domain.Document) {
				pos := owned()
				pos.State = domain.StateReentryWindow
				doc.Positions["ACME:NYSE"] = pos
			},
			wantErr: "OWNED must be in NORMAL_RUN or SPIKE_LOCK",
		},
		{
			name: "owned without entry price",
			mutate: func(doc *domain.Document) {
				pos := owned()
				pos.Execution.EntryPrice = nil
				doc.Positions["ACME:NYSE"] = pos
			},
			wantErr: "entry_price",
		},
		{
			name: "watch in owned state",
			mutate: func(doc *domain.Document) {
				pos := domain.NewPosition("ACME:NYSE")
				pos.State = domain.StateSpikeLock
				doc.Positions["ACME:NYSE"] = pos
			},
			wantErr: "WATCH must be in EXITED_COOLDOWN or REENTRY_WINDOW",
		},
		{
			name: "duplicated bar dates",
			mutate: func(doc *domain.Document) {
				pos := owned()
				pos.Buffers.OHLC = []domain.Bar{{Date: "2026-08-20"}, {Date: "2026-08-20"}}
				doc.Positions["ACME:NYSE"] = pos
			},
			wantErr: "duplicated bar dates",
		},
		{
			name:    "missing positions map",
			mutate:  func(doc *domain.Document) { doc.Positions = nil },
			wantErr: "missing positions map",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := domain.NewDocument()
			tc.mutate(doc)
			err := Validate(doc)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidStore)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnsurePosition(t *testing.T) {
	doc := domain.NewDocument()

	pos := EnsurePosition(doc, "ACME:NYSE", "ACME", "NYSE", "acme.us", "USD")
	require.NotNil(t, pos)
	assert.Equal(t, domain.ModeWatch, pos.Mode)
	require.NotNil(t, pos.Identity.StooqSymbol)
	assert.Equal(t, "acme.us", *pos.Identity.StooqSymbol)

	same := EnsurePosition(doc, "ACME:NYSE", "", "", "", "")
	assert.Same(t, pos, same, "an existing position comes back untouched")
}

func TestIterKeys(t *testing.T) {
	doc := domain.NewDocument()
	doc.Positions["B:NYSE"] = domain.NewPosition("B:NYSE")
	doc.Positions["A:NYSE"] = domain.NewPosition("A:NYSE")
	assert.Equal(t, []string{"A:NYSE", "B:NYSE"}, IterKeys(doc))
}

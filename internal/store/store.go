// Package store loads and saves the durable position document. The
// location string routes to a backend: postgres:// and postgresql://
// DSNs hit a single-row JSONB table, anything else is a JSON file.
// Loading always migrates, normalizes and validates; a blob that was
// rewritten in the process is persisted back (with a file backup)
// before the caller sees it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/psmwatch/psmwatch/internal/domain"
)

// ErrInvalidStore wraps every validation failure so callers can refuse
// to run on a corrupt document.
var ErrInvalidStore = errors.New("invalid store document")

// Backend is one physical home for the document blob.
type Backend interface {
	// LoadRaw returns the stored blob, or found=false when the
	// location has never been written.
	LoadRaw(ctx context.Context) (raw []byte, found bool, err error)
	// SaveRaw persists the blob.
	SaveRaw(ctx context.Context, raw []byte) error
	// BackupRaw keeps a copy of the pre-migration blob where the
	// backend supports it; a no-op otherwise.
	BackupRaw(ctx context.Context, raw []byte) error
}

// Store binds a backend with the migration pipeline.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// IsPostgresTarget reports whether the location is a postgres DSN.
func IsPostgresTarget(location string) bool {
	normalized := strings.ToLower(strings.TrimSpace(location))
	return strings.HasPrefix(normalized, "postgresql://") || strings.HasPrefix(normalized, "postgres://")
}

// Open routes the location to its backend.
func Open(location string, logger zerolog.Logger) (*Store, error) {
	if IsPostgresTarget(location) {
		backend, err := newPostgresBackend(location)
		if err != nil {
			return nil, err
		}
		return &Store{backend: backend, log: logger.With().Str("component", "store").Logger()}, nil
	}
	return &Store{backend: newFileBackend(location), log: logger.With().Str("component", "store").Logger()}, nil
}

// NewWithBackend wires an explicit backend, mainly for tests.
func NewWithBackend(backend Backend, logger zerolog.Logger) *Store {
	return &Store{backend: backend, log: logger}
}

// Load reads, migrates and validates the document. A missing location
// materializes an empty store. When migration changed the blob the raw
// original is backed up and the migrated form written back.
func (s *Store) Load(ctx context.Context) (*domain.Document, error) {
	raw, found, err := s.backend.LoadRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if !found {
		doc := domain.NewDocument()
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		trimmed = "{}"
	}
	var rawAny any
	if err := json.Unmarshal([]byte(trimmed), &rawAny); err != nil {
		return nil, fmt.Errorf("%w: parse blob: %v", ErrInvalidStore, err)
	}

	doc, err := migrateBlob([]byte(trimmed), rawAny)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStore, err)
	}
	for _, pos := range doc.Positions {
		normalizePosition(pos, doc.Global)
	}

	needsWrite, err := blobChanged(rawAny, doc)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if needsWrite {
		s.log.Info().Msg("store blob migrated; writing back")
		if err := s.backend.BackupRaw(ctx, raw); err != nil {
			return nil, fmt.Errorf("backup store: %w", err)
		}
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
	}

	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save persists the document through the backend.
func (s *Store) Save(ctx context.Context, doc *domain.Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	if err := s.backend.SaveRaw(ctx, raw); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	return nil
}

// blobChanged compares the original parsed blob against the migrated
// document through a JSON round-trip, so formatting differences do not
// count.
func blobChanged(rawAny any, doc *domain.Document) (bool, error) {
	migrated, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	var migratedAny any
	if err := json.Unmarshal(migrated, &migratedAny); err != nil {
		return false, err
	}
	return !reflect.DeepEqual(rawAny, migratedAny), nil
}

// Validate enforces the mode/state pairing, the OWNED entry-price
// requirement and bar-date uniqueness. Failures wrap ErrInvalidStore.
func Validate(doc *domain.Document) error {
	if doc.Positions == nil {
		return fmt.Errorf("%w: missing positions map", ErrInvalidStore)
	}
	for key, pos := range doc.Positions {
		switch pos.Mode {
		case domain.ModeOwned:
			if !pos.State.OwnedState() {
				return fmt.Errorf("%w: %s: OWNED must be in NORMAL_RUN or SPIKE_LOCK", ErrInvalidStore, key)
			}
			if pos.Execution.EntryPrice == nil {
				return fmt.Errorf("%w: %s: OWNED requires execution.entry_price", ErrInvalidStore, key)
			}
		case domain.ModeWatch:
			if !pos.State.WatchState() {
				return fmt.Errorf("%w: %s: WATCH must be in EXITED_COOLDOWN or REENTRY_WINDOW", ErrInvalidStore, key)
			}
		default:
			return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidStore, key, pos.Mode)
		}

		seen := make(map[string]bool, len(pos.Buffers.OHLC))
		for _, bar := range pos.Buffers.OHLC {
			if seen[bar.Date] {
				return fmt.Errorf("%w: %s: duplicated bar dates found", ErrInvalidStore, key)
			}
			seen[bar.Date] = true
		}
	}
	return nil
}

// IterKeys returns the position keys in deterministic order.
func IterKeys(doc *domain.Document) []string {
	keys := make([]string, 0, len(doc.Positions))
	for key := range doc.Positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// EnsurePosition returns the position for key, creating the WATCH
// baseline (with identity overrides) when absent.
func EnsurePosition(doc *domain.Document, key, ticker, exchange, stooqSymbol, currency string) *domain.Position {
	if pos, ok := doc.Positions[key]; ok {
		return pos
	}
	pos := defaultPosition(key)
	if ticker != "" {
		pos.Identity.Ticker = ticker
	}
	if exchange != "" {
		pos.Identity.Exchange = exchange
	}
	if stooqSymbol != "" {
		pos.Identity.StooqSymbol = domain.Str(stooqSymbol)
	}
	if currency != "" {
		pos.Identity.Currency = currency
	}
	doc.Positions[key] = pos
	return pos
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	storeTable = "psm_store"
	storeKey   = "positions"

	pgTimeout = 10 * time.Second
)

// postgresBackend keeps the whole document as one JSONB row keyed by
// store_key, so the postgres and file layouts stay interchangeable.
type postgresBackend struct {
	db *sqlx.DB
}

func newPostgresBackend(dsn string) (*postgresBackend, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return &postgresBackend{db: db}, nil
}

func (p *postgresBackend) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		  store_key TEXT PRIMARY KEY,
		  payload JSONB NOT NULL,
		  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, storeTable)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}
	return nil
}

func (p *postgresBackend) LoadRaw(ctx context.Context) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	if err := p.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	var payload []byte
	query := fmt.Sprintf("SELECT payload FROM %s WHERE store_key = $1", storeTable)
	err := p.db.QueryRowxContext(ctx, query, storeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select store payload: %w", err)
	}
	return payload, true, nil
}

func (p *postgresBackend) SaveRaw(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (store_key, payload, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (store_key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    updated_at = NOW()`, storeTable)
	if _, err := p.db.ExecContext(ctx, query, storeKey, raw); err != nil {
		return fmt.Errorf("upsert store payload: %w", err)
	}
	return nil
}

// BackupRaw is a no-op: the JSONB row is overwritten in place and the
// database keeps its own point-in-time recovery.
func (p *postgresBackend) BackupRaw(context.Context, []byte) error {
	return nil
}

// Close releases the connection pool.
func (p *postgresBackend) Close() error {
	return p.db.Close()
}

// Package store keeps a Postgres ledger of model refreshes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
)

// DBPool abstracts pgxpool.Pool so the ledger can be tested with pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	sqlCreateRefreshes = `
        CREATE TABLE IF NOT EXISTS model_refreshes (
            id          UUID PRIMARY KEY,
            kind        TEXT NOT NULL,
            outcome     TEXT NOT NULL,
            stage       TEXT NOT NULL DEFAULT '',
            version     TEXT NOT NULL DEFAULT '',
            source_url  TEXT NOT NULL DEFAULT '',
            sha256      TEXT NOT NULL DEFAULT '',
            size_bytes  BIGINT NOT NULL DEFAULT 0,
            generation  BIGINT NOT NULL DEFAULT 0,
            error       TEXT NOT NULL DEFAULT '',
            started_at  TIMESTAMPTZ NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateRefreshesIndex = `
        CREATE INDEX IF NOT EXISTS model_refreshes_kind_recorded_idx
            ON model_refreshes (kind, recorded_at DESC);
    `
	sqlInsertRefresh = `
        INSERT INTO model_refreshes
            (id, kind, outcome, stage, version, source_url, sha256, size_bytes, generation, error, started_at, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
    `
	sqlRecentRefreshes = `
        SELECT id, kind, outcome, stage, version, source_url, sha256, size_bytes, generation, error, started_at, recorded_at
        FROM model_refreshes
        WHERE kind = $1
        ORDER BY recorded_at DESC
        LIMIT $2;
    `
)

// Refresh is one ledger row.
type Refresh struct {
	ID         uuid.UUID
	Kind       schemas.ModelKind
	Outcome    modelhub.Outcome
	Stage      modelhub.Stage
	Version    string
	SourceURL  string
	SHA256     string
	Size       int64
	Generation int64
	Error      string
	StartedAt  time.Time
	RecordedAt time.Time
}

// Store is the ledger. It implements modelhub.Recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ modelhub.Recorder = (*Store)(nil)

// New wraps an existing pool.
func New(pool DBPool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, log: logger.Named("store")}
}

// Open connects to url, verifies the connection and returns the store with a
// function that closes the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), pool.Close, nil
}

// Migrate creates the ledger table when it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateRefreshes, sqlCreateRefreshesIndex} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate model ledger: %w", err)
		}
	}
	return nil
}

// Record inserts one refresh result.
func (s *Store) Record(ctx context.Context, r modelhub.Result) error {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	recorded := r.Finished
	if recorded.IsZero() {
		recorded = time.Now()
	}
	started := r.Started
	if started.IsZero() {
		started = recorded
	}

	_, err := s.pool.Exec(ctx, sqlInsertRefresh,
		id,
		string(r.Kind),
		string(r.Outcome),
		string(r.Stage),
		r.Version,
		r.SourceURL,
		r.SHA256,
		r.Size,
		int64(r.Generation),
		errText,
		started.UTC(),
		recorded.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s refresh: %w", r.Kind, err)
	}
	return nil
}

// Recent returns the last limit rows for kind, newest first.
func (s *Store) Recent(ctx context.Context, kind schemas.ModelKind, limit int) ([]Refresh, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.pool.Query(ctx, sqlRecentRefreshes, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query model ledger: %w", err)
	}
	defer rows.Close()

	var out []Refresh
	for rows.Next() {
		var (
			r                     Refresh
			kindStr, outcome, stg string
		)
		if err := rows.Scan(&r.ID, &kindStr, &outcome, &stg, &r.Version, &r.SourceURL, &r.SHA256,
			&r.Size, &r.Generation, &r.Error, &r.StartedAt, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		r.Kind, r.Outcome, r.Stage = schemas.ModelKind(kindStr), modelhub.Outcome(outcome), modelhub.Stage(stg)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return out, nil
}

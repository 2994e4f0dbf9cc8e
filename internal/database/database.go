package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the documents table if needed. The CHECK constraints
// mirror the record invariants so a bad write fails loudly in the database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('UPLOADED','PROCESSING','VALIDATED','FAILED')),
	source_ref TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	extracted_text TEXT,
	extraction_confidence DOUBLE PRECISION,
	detected_language TEXT,
	validation_errors TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK ((extracted_text IS NULL) = (extraction_confidence IS NULL)
		AND (extracted_text IS NULL) = (detected_language IS NULL)),
	CHECK ((validation_errors IS NOT NULL) = (status = 'FAILED'))
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

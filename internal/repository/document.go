package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/docflow/internal/model"
)

const pgDuplicateKeyCode = "23505"

const documentColumns = `id, status, source_ref, file_name, content_type, size_bytes,
	extracted_text, extraction_confidence, detected_language, validation_errors,
	version, created_at, updated_at`

// dbtx is the part of pgxpool.Pool the repository uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DocumentRepository is the Postgres-backed record store. Each method is a
// single statement, so every call is atomic.
type DocumentRepository struct {
	db dbtx
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

// Create inserts an uploaded document.
func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Version = 1
	_, err := r.db.Exec(ctx, `
		INSERT INTO documents (id, status, source_ref, file_name, content_type, size_bytes, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, doc.ID, doc.Status, doc.SourceRef, doc.FileName, doc.ContentType, doc.SizeBytes, doc.Version, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert document: %w", err))
	}
	return nil
}

// Get returns a document by id or model.ErrNotFound.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, mapError(fmt.Errorf("select document %s: %w", id, err))
	}
	return doc, nil
}

// Update applies patch in one statement. When the row is missing or the
// expected version does not match, a follow-up read tells the two apart.
func (r *DocumentRepository) Update(ctx context.Context, id string, patch model.Patch) (*model.Document, error) {
	var (
		text       *string
		confidence *float64
		language   *string
		errorMsg   *string
	)
	if patch.Extraction != nil {
		text = &patch.Extraction.Text
		confidence = &patch.Extraction.Confidence
		language = &patch.Extraction.Language
	}
	if patch.Status == model.StatusFailed {
		msg := patch.ValidationErrors
		errorMsg = &msg
	}
	row := r.db.QueryRow(ctx, `
		UPDATE documents
		SET status = $1,
			extracted_text = CASE WHEN $2::boolean THEN $3::text ELSE extracted_text END,
			extraction_confidence = CASE WHEN $2::boolean THEN $4::double precision ELSE extraction_confidence END,
			detected_language = CASE WHEN $2::boolean THEN $5::text ELSE detected_language END,
			validation_errors = $6::text,
			version = version + 1,
			updated_at = $7
		WHERE id = $8 AND ($9::bigint = 0 OR version = $9::bigint)
		RETURNING `+documentColumns,
		patch.Status, patch.Extraction != nil, text, confidence, language, errorMsg,
		time.Now().UTC(), id, patch.ExpectedVersion)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update document %s: %w", id, err)
	}
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("update document %s: stored version %d, expected %d: %w", id, current.Version, patch.ExpectedVersion, model.ErrConflict)
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var doc model.Document
	err := row.Scan(
		&doc.ID, &doc.Status, &doc.SourceRef, &doc.FileName, &doc.ContentType, &doc.SizeBytes,
		&doc.ExtractedText, &doc.ExtractionConfidence, &doc.DetectedLanguage, &doc.ValidationErrors,
		&doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// mapError translates driver errors into model errors. Anything else passes
// through untouched and is treated as an infrastructure failure by callers.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return fmt.Errorf("%w: %v", model.ErrDuplicate, err)
	}
	return err
}

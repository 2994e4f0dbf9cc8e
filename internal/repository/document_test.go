package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/docflow/internal/model"
)

func TestMapErrorNotFound(t *testing.T) {
	got := mapError(fmt.Errorf("select document: %w", pgx.ErrNoRows))
	if !errors.Is(got, model.ErrNotFound) {
		t.Errorf("mapError(ErrNoRows) = %v, want %v", got, model.ErrNotFound)
	}
}

func TestMapErrorDuplicate(t *testing.T) {
	got := mapError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}))
	if !errors.Is(got, model.ErrDuplicate) {
		t.Errorf("mapError(PgError 23505) = %v, want %v", got, model.ErrDuplicate)
	}
}

func TestMapErrorPassthrough(t *testing.T) {
	original := &pgconn.PgError{Code: "08006"}
	got := mapError(original)
	if got != error(original) {
		t.Errorf("mapError(connection failure) = %v, want passthrough", got)
	}
	if errors.Is(got, model.ErrNotFound) {
		t.Errorf("connection failure must not look like not-found")
	}
}

// fakeRow scans doc into the destinations in column order, or returns err.
type fakeRow struct {
	doc *model.Document
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	d := r.doc
	src := []any{
		d.ID, d.Status, d.SourceRef, d.FileName, d.ContentType, d.SizeBytes,
		d.ExtractedText, d.ExtractionConfidence, d.DetectedLanguage, d.ValidationErrors,
		d.Version, d.CreatedAt, d.UpdatedAt,
	}
	if len(dest) != len(src) {
		return fmt.Errorf("scan: %d destinations, want %d", len(dest), len(src))
	}
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(src[i]))
	}
	return nil
}

type queryCall struct {
	sql  string
	args []any
}

// fakeDB answers QueryRow with rows in order and records every call.
type fakeDB struct {
	rows  []fakeRow
	calls []queryCall
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, queryCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, queryCall{sql: sql, args: args})
	if len(f.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func TestUpdateVersionedWrite(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := func(version int64) *model.Document {
		return &model.Document{ID: "doc-1", Status: model.StatusProcessing, Version: version, CreatedAt: stamp, UpdatedAt: stamp}
	}
	connErr := &pgconn.PgError{Code: "08006"}

	cases := []struct {
		name         string
		rows         []fakeRow
		wantDoc      *model.Document
		wantErr      error
		notErr       []error
		wantQueries  int
		wantErrMatch string
	}{
		{
			name:        "expected version matches",
			rows:        []fakeRow{{doc: stored(4)}},
			wantDoc:     stored(4),
			wantQueries: 1,
		},
		{
			name:         "stored version moved on",
			rows:         []fakeRow{{err: pgx.ErrNoRows}, {doc: stored(5)}},
			wantErr:      model.ErrConflict,
			notErr:       []error{model.ErrNotFound},
			wantQueries:  2,
			wantErrMatch: "stored version 5, expected 3",
		},
		{
			name:        "row deleted",
			rows:        []fakeRow{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}},
			wantErr:     model.ErrNotFound,
			notErr:      []error{model.ErrConflict},
			wantQueries: 2,
		},
		{
			name:        "connection failure",
			rows:        []fakeRow{{err: connErr}},
			wantErr:     connErr,
			notErr:      []error{model.ErrNotFound, model.ErrConflict},
			wantQueries: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &fakeDB{rows: tc.rows}
			repo := &DocumentRepository{db: db}
			got, err := repo.Update(context.Background(), "doc-1", model.Patch{Status: model.StatusValidated, ExpectedVersion: 3})

			if tc.wantErr == nil && err != nil {
				t.Fatalf("Update = %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Update = %v, want %v", err, tc.wantErr)
			}
			for _, e := range tc.notErr {
				if errors.Is(err, e) {
					t.Fatalf("Update = %v, must not match %v", err, e)
				}
			}
			if tc.wantErrMatch != "" && !strings.Contains(err.Error(), tc.wantErrMatch) {
				t.Fatalf("Update = %v, want mention of %q", err, tc.wantErrMatch)
			}
			if diff := cmp.Diff(tc.wantDoc, got); diff != "" {
				t.Fatalf("document mismatch (-want +got):\n%s", diff)
			}
			if len(db.calls) != tc.wantQueries {
				t.Fatalf("queries = %d, want %d", len(db.calls), tc.wantQueries)
			}
			update := db.calls[0]
			if !strings.Contains(update.sql, "version = $9::bigint") {
				t.Fatalf("update is not conditional on version:\n%s", update.sql)
			}
			if len(update.args) != 9 || update.args[8] != int64(3) || update.args[7] != "doc-1" {
				t.Fatalf("update args = %v, want id doc-1 and expected version 3 last", update.args)
			}
			if tc.wantQueries == 2 && !strings.HasPrefix(strings.TrimSpace(db.calls[1].sql), "SELECT") {
				t.Fatalf("follow-up query = %q, want a read", db.calls[1].sql)
			}
		})
	}
}

func TestUpdateCarriesExtraction(t *testing.T) {
	db := &fakeDB{rows: []fakeRow{{doc: &model.Document{ID: "doc-1", Status: model.StatusValidated, Version: 2}}}}
	repo := &DocumentRepository{db: db}
	ex := model.Extraction{Text: "Invoice #123", Confidence: 0.98, Language: "en"}
	if _, err := repo.Update(context.Background(), "doc-1", model.Patch{Status: model.StatusValidated, Extraction: &ex}); err != nil {
		t.Fatalf("Update = %v", err)
	}
	args := db.calls[0].args
	if args[1] != true {
		t.Fatalf("extraction flag = %v, want true", args[1])
	}
	if text, ok := args[2].(*string); !ok || *text != "Invoice #123" {
		t.Fatalf("text arg = %v", args[2])
	}
	if msg, ok := args[5].(*string); !ok || msg != nil {
		t.Fatalf("validation errors arg = %v, want nil for a non-failed status", args[5])
	}
	if args[8] != int64(0) {
		t.Fatalf("expected version arg = %v, want unconditional 0", args[8])
	}
}

func TestCreateSetsFirstVersion(t *testing.T) {
	db := &fakeDB{}
	repo := &DocumentRepository{db: db}
	doc := &model.Document{ID: "doc-1", Status: model.StatusUploaded}
	if err := repo.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create = %v", err)
	}
	if doc.Version != 1 || doc.CreatedAt.IsZero() {
		t.Fatalf("created document = %+v, want version 1 with timestamps", doc)
	}
	if len(db.calls) != 1 || db.calls[0].args[0] != "doc-1" {
		t.Fatalf("insert calls = %+v", db.calls)
	}
}

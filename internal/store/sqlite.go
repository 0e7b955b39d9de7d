package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLiteStore keeps documents in an embedded SQLite database. Timestamps are
// stored as unix microseconds to match Postgres timestamptz resolution.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (":memory:" for a private in-memory database).
// The pool is limited to one connection: SQLite serializes writers anyway and
// an in-memory database exists per connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// EnsureSchema applies schema_sqlite.sql. Safe to run multiple times.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchemaSQL)
	return err
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// InTx runs fn in one transaction, committing when fn returns nil.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, err := sqliteGetDocument(ctx, t.tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (t sqliteTx) UpsertDocument(ctx context.Context, doc models.Document) (bool, error) {
	body := string(doc.Body.Canonical())
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, created, source, ingested_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (doc_id) DO NOTHING
	`, doc.ID.String(), doc.Created, doc.Source, doc.IngestedAt.UnixMicro(), body)
	if err != nil {
		return false, fmt.Errorf("store: insert document %s: %w", doc.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("store: insert document %s: %w", doc.ID, err)
	} else if n == 1 {
		return true, nil
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE documents
		SET created = ?, source = ?, ingested_at = ?, body = ?
		WHERE doc_id = ?
	`, doc.Created, doc.Source, doc.IngestedAt.UnixMicro(), body, doc.ID.String())
	if err != nil {
		return false, fmt.Errorf("store: update document %s: %w", doc.ID, err)
	}
	return false, nil
}

func (t sqliteTx) AppendVersion(ctx context.Context, v models.Version) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO versions (doc_id, snapshot, observed_at, content_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_id, content_hash, observed_at) DO NOTHING
	`, v.DocID.String(), string(v.Snapshot.Canonical()), v.ObservedAt.UnixMicro(), v.ContentHash)
	if err != nil {
		return false, fmt.Errorf("store: append version %s: %w", v.DocID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: append version %s: %w", v.DocID, err)
	}
	return n == 1, nil
}

// GetDocument returns the live document for id.
func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error) {
	return sqliteGetDocument(ctx, s.db, id)
}

func sqliteGetDocument(ctx context.Context, q sqliteQuerier, id uuid.UUID) (models.Document, error) {
	var (
		doc        = models.Document{ID: id}
		ingestedAt int64
		body       string
	)
	err := q.QueryRowContext(ctx, `
		SELECT created, source, ingested_at, body
		FROM documents
		WHERE doc_id = ?
	`, id.String()).Scan(&doc.Created, &doc.Source, &ingestedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("store: get document %s: %w", id, err)
	}
	doc.IngestedAt = time.UnixMicro(ingestedAt).UTC()
	if doc.Body, err = value.Parse([]byte(body)); err != nil {
		return models.Document{}, fmt.Errorf("store: decode document %s: %w", id, err)
	}
	return doc, nil
}

// ListVersions returns the archived versions of id, oldest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, id uuid.UUID) ([]models.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot, observed_at, content_hash
		FROM versions
		WHERE doc_id = ?
		ORDER BY observed_at, id
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("store: list versions %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.Version
	for rows.Next() {
		var (
			v        = models.Version{DocID: id}
			snap     string
			observed int64
		)
		if err := rows.Scan(&snap, &observed, &v.ContentHash); err != nil {
			return nil, fmt.Errorf("store: scan version %s: %w", id, err)
		}
		v.ObservedAt = time.UnixMicro(observed).UTC()
		if v.Snapshot, err = value.Parse([]byte(snap)); err != nil {
			return nil, fmt.Errorf("store: decode version %s: %w", id, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestCreated returns the newest created value stored for source.
func (s *SQLiteStore) LatestCreated(ctx context.Context, source string) (int64, bool, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT max(created) FROM documents WHERE source = ?
	`, source).Scan(&latest)
	if err != nil {
		return 0, false, fmt.Errorf("store: latest created for %s: %w", source, err)
	}
	return latest.Int64, latest.Valid, nil
}

// RedactedDocuments lists documents from source whose metadata.redacted is
// still true.
func (s *SQLiteStore) RedactedDocuments(ctx context.Context, source string, checkedBefore time.Time, limit int) ([]models.RedactedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, created
		FROM documents
		WHERE source = ?
		  AND json_type(body, '$.metadata.redacted') = 'true'
		  AND (backfill_checked_at IS NULL OR backfill_checked_at < ?)
		ORDER BY created
		LIMIT ?
	`, source, checkedBefore.UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: redacted documents: %w", err)
	}
	defer rows.Close()

	var out []models.RedactedDocument
	for rows.Next() {
		var (
			idStr string
			rd    models.RedactedDocument
		)
		if err := rows.Scan(&idStr, &rd.Created); err != nil {
			return nil, fmt.Errorf("store: scan redacted document: %w", err)
		}
		if rd.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("store: redacted document id %q: %w", idStr, err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// MarkBackfillChecked stamps the backfill check time on ids.
func (s *SQLiteStore) MarkBackfillChecked(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMicro())
	for _, id := range ids {
		args = append(args, id.String())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET backfill_checked_at = ? WHERE doc_id IN ("+placeholders+")",
		args...)
	if err != nil {
		return fmt.Errorf("store: mark backfill checked: %w", err)
	}
	return nil
}

var _ Backend = (*SQLiteStore)(nil)

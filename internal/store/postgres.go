package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer for documents and versions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool for LISTEN/NOTIFY users.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// InTx runs fn in a read-committed transaction.
func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, err := pgGetDocument(ctx, t.tx, id, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpsertDocument reports inserted=true when no row existed. xmax is zero
// only on rows created by this statement.
func (t pgTx) UpsertDocument(ctx context.Context, doc models.Document) (bool, error) {
	var inserted bool
	err := t.tx.QueryRow(ctx, `
		INSERT INTO documents (doc_id, created, source, ingested_at, body)
		VALUES ($1::uuid, $2, $3, $4, $5::jsonb)
		ON CONFLICT (doc_id) DO UPDATE SET
			created = excluded.created,
			source = excluded.source,
			ingested_at = excluded.ingested_at,
			body = excluded.body
		RETURNING (xmax = 0) AS inserted
	`, doc.ID.String(), doc.Created, doc.Source, doc.IngestedAt, string(doc.Body.Canonical())).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("store: upsert document %s: %w", doc.ID, err)
	}
	return inserted, nil
}

func (t pgTx) AppendVersion(ctx context.Context, v models.Version) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO versions (doc_id, snapshot, observed_at, content_hash)
		VALUES ($1::uuid, $2::jsonb, $3, $4)
		ON CONFLICT (doc_id, content_hash, observed_at) DO NOTHING
	`, v.DocID.String(), string(v.Snapshot.Canonical()), v.ObservedAt, v.ContentHash)
	if err != nil {
		return false, fmt.Errorf("store: append version %s: %w", v.DocID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDocument returns the live document for id.
func (p *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error) {
	return pgGetDocument(ctx, p.pool, id, false)
}

func pgGetDocument(ctx context.Context, q pgQuerier, id uuid.UUID, forUpdate bool) (models.Document, error) {
	query := `
		SELECT created, source, ingested_at, body
		FROM documents
		WHERE doc_id = $1::uuid`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		doc  = models.Document{ID: id}
		body []byte
	)
	err := q.QueryRow(ctx, query, id.String()).Scan(&doc.Created, &doc.Source, &doc.IngestedAt, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("store: get document %s: %w", id, err)
	}
	doc.IngestedAt = doc.IngestedAt.UTC()
	if doc.Body, err = value.Parse(body); err != nil {
		return models.Document{}, fmt.Errorf("store: decode document %s: %w", id, err)
	}
	return doc, nil
}

// ListVersions returns versions of id ordered by observation time.
func (p *PostgresStore) ListVersions(ctx context.Context, id uuid.UUID) ([]models.Version, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT snapshot, observed_at, content_hash
		FROM versions
		WHERE doc_id = $1::uuid
		ORDER BY observed_at, id
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("store: list versions %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.Version
	for rows.Next() {
		var (
			v    = models.Version{DocID: id}
			snap []byte
		)
		if err := rows.Scan(&snap, &v.ObservedAt, &v.ContentHash); err != nil {
			return nil, fmt.Errorf("store: scan version %s: %w", id, err)
		}
		v.ObservedAt = v.ObservedAt.UTC()
		if v.Snapshot, err = value.Parse(snap); err != nil {
			return nil, fmt.Errorf("store: decode version %s: %w", id, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestCreated returns the newest created value stored for source.
func (p *PostgresStore) LatestCreated(ctx context.Context, source string) (int64, bool, error) {
	var latest *int64
	err := p.pool.QueryRow(ctx, `
		SELECT max(created) FROM documents WHERE source = $1
	`, source).Scan(&latest)
	if err != nil {
		return 0, false, fmt.Errorf("store: latest created for %s: %w", source, err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// RedactedDocuments lists documents from source whose metadata.redacted is
// still true.
func (p *PostgresStore) RedactedDocuments(ctx context.Context, source string, checkedBefore time.Time, limit int) ([]models.RedactedDocument, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc_id::text, created
		FROM documents
		WHERE source = $1
		  AND body #> '{metadata,redacted}' = 'true'::jsonb
		  AND (backfill_checked_at IS NULL OR backfill_checked_at < $2)
		ORDER BY created
		LIMIT $3
	`, source, checkedBefore, limit)
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
func (p *PostgresStore) MarkBackfillChecked(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE documents SET backfill_checked_at = $2
		WHERE doc_id = ANY($1::text[]::uuid[])
	`, strs, at)
	if err != nil {
		return fmt.Errorf("store: mark backfill checked: %w", err)
	}
	return nil
}

var _ Backend = (*PostgresStore)(nil)

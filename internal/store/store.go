package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/feed-cdc-service/internal/models"
)

// ErrNotFound is returned by point lookups outside a transaction.
var ErrNotFound = errors.New("store: not found")

// Tx is the unit of work handed to InTx callbacks. Every mutation of the
// live documents and the version table goes through a Tx.
type Tx interface {
	// GetDocument returns the current document, or nil when the id is unknown.
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	// UpsertDocument inserts or replaces the live row and reports whether it
	// was an insert.
	UpsertDocument(ctx context.Context, doc models.Document) (inserted bool, err error)
	// AppendVersion writes a version row. A row with the same doc id, content
	// hash and observation time is left alone and reported as not inserted.
	AppendVersion(ctx context.Context, v models.Version) (inserted bool, err error)
}

// Backend is a durable document store.
type Backend interface {
	// InTx runs fn inside one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error)
	// ListVersions returns a document's versions in observation order.
	ListVersions(ctx context.Context, id uuid.UUID) ([]models.Version, error)
	// LatestCreated returns the newest created value stored for source.
	LatestCreated(ctx context.Context, source string) (int64, bool, error)
	// RedactedDocuments lists documents last written by source that are
	// still flagged redacted and whose last backfill check is absent or
	// older than checkedBefore, oldest first.
	RedactedDocuments(ctx context.Context, source string, checkedBefore time.Time, limit int) ([]models.RedactedDocument, error)
	MarkBackfillChecked(ctx context.Context, ids []uuid.UUID, at time.Time) error

	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Kind names the backend selected by a connection string.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// KindOf classifies a DB_URL. postgres:// and postgresql:// select the pgx
// store, sqlite:// (or sqlite::memory:) the embedded store.
func KindOf(dbURL string) (Kind, string, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return KindPostgres, dbURL, nil
	case dbURL == "sqlite::memory:":
		return KindSQLite, ":memory:", nil
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("store: sqlite url %q has no path", dbURL)
		}
		return KindSQLite, path, nil
	}
	return "", "", fmt.Errorf("store: unsupported connection string %q", dbURL)
}

// Open connects to the backend named by dbURL.
func Open(ctx context.Context, dbURL string) (Backend, Kind, error) {
	kind, dsn, err := KindOf(dbURL)
	if err != nil {
		return nil, "", err
	}
	switch kind {
	case KindPostgres:
		st, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, "", err
		}
		return st, kind, nil
	default:
		st, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, "", err
		}
		return st, kind, nil
	}
}

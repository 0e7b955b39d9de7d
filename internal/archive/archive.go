// Package archive appends immutable, content-hashed document versions.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// Appender is the write half of a store transaction used by the archive.
type Appender interface {
	AppendVersion(ctx context.Context, v models.Version) (bool, error)
}

// ContentHash is the sha256 hex digest of the canonical serialization.
func ContentHash(snapshot value.Value) string {
	sum := sha256.Sum256(snapshot.Canonical())
	return hex.EncodeToString(sum[:])
}

// Archive records snapshot as the version of docID superseded at
// observedAt and reports whether a new row was written. Calling it again
// with the same arguments writes nothing and returns the same hash, so a
// retried transaction cannot duplicate history.
func Archive(ctx context.Context, tx Appender, docID uuid.UUID, snapshot value.Value, observedAt time.Time) (string, bool, error) {
	hash := ContentHash(snapshot)
	inserted, err := tx.AppendVersion(ctx, models.Version{
		DocID:       docID,
		Snapshot:    snapshot,
		ObservedAt:  observedAt.UTC(),
		ContentHash: hash,
	})
	if err != nil {
		return "", false, fmt.Errorf("archive %s: %w", docID, err)
	}
	return hash, inserted, nil
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// Document is the store representation of one upstream event document.
// Created is an epoch integer in the deployment's timestamp precision.
type Document struct {
	ID         uuid.UUID   `json:"id"`
	Created    int64       `json:"created"`
	Body       value.Value `json:"body"`
	Source     string      `json:"source"`
	IngestedAt time.Time   `json:"ingested_at"`
}

// Version is an immutable snapshot of a document body taken when a
// meaningful revision superseded it.
type Version struct {
	DocID       uuid.UUID   `json:"doc_id"`
	Snapshot    value.Value `json:"snapshot"`
	ObservedAt  time.Time   `json:"observed_at"`
	ContentHash string      `json:"content_hash"`
}

// RedactedDocument is a backfill candidate: a stored document still flagged
// as redacted upstream.
type RedactedDocument struct {
	ID      uuid.UUID
	Created int64
}

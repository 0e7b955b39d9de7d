// Package canonical turns raw upstream documents into store documents.
package canonical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

var (
	// ErrMalformedDocument marks a document that cannot be ingested and must
	// be skipped.
	ErrMalformedDocument  = errors.New("malformed document")
	ErrMalformedTimestamp = fmt.Errorf("%w: malformed timestamp", ErrMalformedDocument)
	ErrMissingID          = fmt.Errorf("%w: missing or invalid id", ErrMalformedDocument)
	// ErrNULCharacter marks a string or key holding U+0000, which jsonb
	// cannot store.
	ErrNULCharacter = fmt.Errorf("%w: NUL character", ErrMalformedDocument)
)

// ProvenancePath is where the ingestion provenance block lives in a body.
var ProvenancePath = value.Path{"metadata", "_ingest"}

// Precision is the unit of the stored epoch integers.
type Precision int

const (
	Milliseconds Precision = iota
	Seconds
)

// ParsePrecision accepts "ms" or "s".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ms", "millis", "milliseconds":
		return Milliseconds, nil
	case "s", "sec", "seconds":
		return Seconds, nil
	}
	return 0, fmt.Errorf("unknown timestamp precision %q", s)
}

// String returns the configuration name of p.
func (p Precision) String() string {
	if p == Seconds {
		return "s"
	}
	return "ms"
}

// Epoch converts t to an epoch integer in this precision.
func (p Precision) Epoch(t time.Time) int64 {
	if p == Seconds {
		return t.Unix()
	}
	return t.UnixMilli()
}

// Time converts an epoch integer back to UTC time.
func (p Precision) Time(epoch int64) time.Time {
	if p == Seconds {
		return time.Unix(epoch, 0).UTC()
	}
	return time.UnixMilli(epoch).UTC()
}

// Format renders an epoch integer as ISO-8601 for upstream requests.
func (p Precision) Format(epoch int64) string {
	if p == Seconds {
		return p.Time(epoch).Format(time.RFC3339)
	}
	return p.Time(epoch).Format("2006-01-02T15:04:05.000Z07:00")
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp with second or sub-second
// precision. Timestamps without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
}

// Canonicalizer converts raw documents for one deployment precision.
type Canonicalizer struct {
	precision Precision
	now       func() time.Time
}

// New returns a Canonicalizer. A nil now defaults to time.Now.
func New(precision Precision, now func() time.Time) *Canonicalizer {
	if now == nil {
		now = time.Now
	}
	return &Canonicalizer{precision: precision, now: now}
}

// Precision returns the unit c stores epochs in.
func (c *Canonicalizer) Precision() Precision { return c.precision }

// Canonicalize validates id and created, converts created to the storage
// epoch and stamps the provenance block. Every other field passes through.
func (c *Canonicalizer) Canonicalize(raw value.Value, source string) (models.Document, error) {
	if !raw.IsObject() {
		return models.Document{}, fmt.Errorf("%w: document is a %s", ErrMalformedDocument, raw.Kind())
	}

	id, err := DocumentID(raw)
	if err != nil {
		return models.Document{}, err
	}

	createdRaw, ok := raw.Field("created")
	if !ok {
		return models.Document{}, fmt.Errorf("%w: created is missing", ErrMalformedTimestamp)
	}
	createdStr, ok := createdRaw.AsString()
	if !ok {
		return models.Document{}, fmt.Errorf("%w: created is a %s", ErrMalformedTimestamp, createdRaw.Kind())
	}
	created, err := ParseTimestamp(createdStr)
	if err != nil {
		return models.Document{}, err
	}

	if path, found := findNUL(raw, nil); found {
		return models.Document{}, fmt.Errorf("%w at %q", ErrNULCharacter, path.String())
	}

	ingestedAt := c.now().UTC()
	body := raw.Without(value.Path{"id"}).Without(value.Path{"created"})
	body, err = body.WithPath(ProvenancePath, value.ObjectValue(map[string]value.Value{
		"source":      value.StringValue(source),
		"ingested_at": value.IntValue(c.precision.Epoch(ingestedAt)),
	}))
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: stamp provenance: %v", ErrMalformedDocument, err)
	}

	return models.Document{
		ID:         id,
		Created:    c.precision.Epoch(created),
		Body:       body,
		Source:     source,
		IngestedAt: ingestedAt,
	}, nil
}

// findNUL returns the path of the first string or key containing U+0000.
func findNUL(v value.Value, path value.Path) (value.Path, bool) {
	switch v.Kind() {
	case value.String:
		s, _ := v.AsString()
		return path, strings.ContainsRune(s, 0)
	case value.Array:
		for i := 0; i < v.Len(); i++ {
			item, _ := v.Index(i)
			if p, found := findNUL(item, append(path[:len(path):len(path)], fmt.Sprint(i))); found {
				return p, true
			}
		}
	case value.Object:
		for _, key := range v.Keys() {
			child := append(path[:len(path):len(path)], key)
			if strings.ContainsRune(key, 0) {
				return child, true
			}
			field, _ := v.Field(key)
			if p, found := findNUL(field, child); found {
				return p, true
			}
		}
	}
	return nil, false
}

// DocumentID extracts and validates the upstream UUID.
func DocumentID(raw value.Value) (uuid.UUID, error) {
	idRaw, ok := raw.Field("id")
	if !ok {
		return uuid.Nil, ErrMissingID
	}
	idStr, ok := idRaw.AsString()
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: id is a %s", ErrMissingID, idRaw.Kind())
	}
	id, err := uuid.Parse(idStr)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMissingID, idStr)
	}
	return id, nil
}

// RawID returns the raw id field for log lines, or "" when absent.
func RawID(raw value.Value) string {
	idRaw, ok := raw.Field("id")
	if !ok {
		return ""
	}
	if s, ok := idRaw.AsString(); ok {
		return s
	}
	return idRaw.String()
}

package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

const docID = "0b6a1a2c-6f4d-4a56-9d0e-2f0e3c2b1a11"

var fixedNow = time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

func raw(t *testing.T, s string) value.Value {
	t.Helper()
	v, err := value.Parse([]byte(s))
	require.NoError(t, err)
	return v
}

func TestCanonicalize(t *testing.T) {
	c := New(Milliseconds, func() time.Time { return fixedNow })

	doc, err := c.Canonicalize(raw(t, `{"id":"`+docID+`","created":"2020-01-01T00:00:00.250Z","type":3,"metadata":{"a":1}}`), "primary")
	require.NoError(t, err)

	assert.Equal(t, docID, doc.ID.String())
	assert.Equal(t, int64(1577836800250), doc.Created)
	assert.Equal(t, "primary", doc.Source)
	assert.Equal(t, fixedNow, doc.IngestedAt)

	_, hasID := doc.Body.Field("id")
	_, hasCreated := doc.Body.Field("created")
	assert.False(t, hasID)
	assert.False(t, hasCreated)

	src, ok := doc.Body.Lookup(value.ParsePath("metadata._ingest.source"))
	require.True(t, ok)
	s, _ := src.AsString()
	assert.Equal(t, "primary", s)

	at, ok := doc.Body.Lookup(value.ParsePath("metadata._ingest.ingested_at"))
	require.True(t, ok)
	ms, _ := at.AsInt64()
	assert.Equal(t, fixedNow.UnixMilli(), ms)

	a, ok := doc.Body.Lookup(value.ParsePath("metadata.a"))
	require.True(t, ok)
	n, _ := a.AsInt64()
	assert.Equal(t, int64(1), n)
}

func TestCanonicalizeSecondsPrecision(t *testing.T) {
	c := New(Seconds, func() time.Time { return fixedNow })

	for _, created := range []string{"2020-01-01T00:00:00Z", "2020-01-01T00:00:00.999Z", "2020-01-01T01:00:00+01:00"} {
		doc, err := c.Canonicalize(raw(t, `{"id":"`+docID+`","created":"`+created+`"}`), "primary")
		require.NoError(t, err, created)
		assert.Equal(t, int64(1577836800), doc.Created, created)
	}
}

func TestCanonicalizeCreatesMetadata(t *testing.T) {
	c := New(Milliseconds, func() time.Time { return fixedNow })
	doc, err := c.Canonicalize(raw(t, `{"id":"`+docID+`","created":"2020-01-01T00:00:00Z"}`), "secondary")
	require.NoError(t, err)
	_, ok := doc.Body.Lookup(ProvenancePath)
	assert.True(t, ok)
}

func TestCanonicalizeMalformed(t *testing.T) {
	c := New(Milliseconds, nil)
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not an object", `[1,2]`, ErrMalformedDocument},
		{"missing id", `{"created":"2020-01-01T00:00:00Z"}`, ErrMissingID},
		{"numeric id", `{"id":7,"created":"2020-01-01T00:00:00Z"}`, ErrMissingID},
		{"bad uuid", `{"id":"nope","created":"2020-01-01T00:00:00Z"}`, ErrMissingID},
		{"missing created", `{"id":"` + docID + `"}`, ErrMalformedTimestamp},
		{"numeric created", `{"id":"` + docID + `","created":1577836800}`, ErrMalformedTimestamp},
		{"garbage created", `{"id":"` + docID + `","created":"yesterday"}`, ErrMalformedTimestamp},
		{"scalar metadata", `{"id":"` + docID + `","created":"2020-01-01T00:00:00Z","metadata":"x"}`, ErrMalformedDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Canonicalize(raw(t, tt.doc), "primary")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrMalformedDocument)
		})
	}
}

func TestCanonicalizeRejectsNUL(t *testing.T) {
	c := New(Milliseconds, nil)
	head := `{"id":"` + docID + `","created":"2020-01-01T00:00:00Z",`
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"string value", head + `"description":"a\u0000b"}`, "description"},
		{"object key", head + `"metadata":{"k\u0000":1}}`, `metadata.k\x00`},
		{"nested in array", head + `"tags":["ok",{"v":"\u0000"}]}`, "tags.1.v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Canonicalize(raw(t, tt.doc), "primary")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNULCharacter)
			assert.ErrorIs(t, err, ErrMalformedDocument)
			assert.Contains(t, err.Error(), tt.path)
		})
	}

	_, err := c.Canonicalize(raw(t, head+`"description":"a\\u0000b"}`), "primary")
	assert.NoError(t, err, "an escaped backslash is not a NUL")
}

func TestPrecisionFormatRoundTrip(t *testing.T) {
	for _, p := range []Precision{Milliseconds, Seconds} {
		epoch := p.Epoch(time.Date(2020, 1, 1, 0, 5, 0, 0, time.UTC))
		parsed, err := ParseTimestamp(p.Format(epoch))
		require.NoError(t, err)
		assert.Equal(t, epoch, p.Epoch(parsed), p.String())
	}
	assert.Equal(t, "2020-01-01T00:00:00.001Z", Milliseconds.Format(1577836800001))
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("s")
	require.NoError(t, err)
	assert.Equal(t, Seconds, p)
	p, err = ParsePrecision("")
	require.NoError(t, err)
	assert.Equal(t, Milliseconds, p)
	_, err = ParsePrecision("ns")
	assert.Error(t, err)
}

func TestRawID(t *testing.T) {
	assert.Equal(t, docID, RawID(raw(t, `{"id":"`+docID+`"}`)))
	assert.Equal(t, "7", RawID(raw(t, `{"id":7}`)))
	assert.Equal(t, "", RawID(raw(t, `{}`)))
}

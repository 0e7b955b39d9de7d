package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchEncodesPageRequest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"a","n":1.50},{"id":"b"}]`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/feed/global?kind=all", WithUserAgent("test-agent"))
	require.NoError(t, err)

	page, err := c.Fetch(context.Background(), PageRequest{Limit: 100, Sort: Ascending, Start: "2020-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, `{"id":"a","n":1.50}`, page[0].String())

	require.NotNil(t, got)
	assert.Equal(t, "/feed/global", got.URL.Path)
	assert.Equal(t, "100", got.URL.Query().Get("limit"))
	assert.Equal(t, "1", got.URL.Query().Get("sort"))
	assert.Equal(t, "2020-01-01T00:00:00Z", got.URL.Query().Get("start"))
	assert.Equal(t, "all", got.URL.Query().Get("kind"))
	assert.Equal(t, "test-agent", got.Header.Get("User-Agent"))
}

func TestFetchOmitsEmptyStart(t *testing.T) {
	q := PageRequest{Limit: 10, Sort: Descending}.Values()
	assert.Equal(t, "0", q.Get("sort"))
	assert.False(t, q.Has("start"))
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, "slow down", true},
		{"client error", http.StatusNotFound, "no such feed", false},
		{"not an array", http.StatusOK, `{"error":"nope"}`, false},
		{"bad json", http.StatusOK, `[{"id":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)
			_, err = c.Fetch(context.Background(), PageRequest{Limit: 1, Sort: Ascending})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))

			var httpErr *HTTPError
			if tt.status != http.StatusOK {
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, tt.status, httpErr.StatusCode)
				assert.Contains(t, httpErr.Body, tt.body)
			}
		})
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), PageRequest{Limit: 1})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestNewClientRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "/relative", "http://"} {
		_, err := NewClient(u)
		assert.Error(t, err, u)
	}
}

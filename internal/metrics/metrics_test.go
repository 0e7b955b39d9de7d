package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.AddDocuments("primary", OutcomeInserted, 3)
	c.AddDocuments("primary", OutcomeInserted, 2)
	c.AddDocuments("primary", OutcomeSkipped, 0)
	c.ObserveBatch("primary", 10*time.Millisecond, nil)
	c.ObserveBatch("primary", 10*time.Millisecond, errors.New("boom"))
	c.ObservePoll("secondary", PollEmpty)
	c.SetCursor("primary", 1577836800000)
	c.ObserveBackfill(nil)
	c.ObserveNotification("new_events", errors.New("down"))

	assert.Equal(t, 5.0, testutil.ToFloat64(c.documents.WithLabelValues("primary", OutcomeInserted)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.documents.WithLabelValues("primary", OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("primary", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("primary", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.polls.WithLabelValues("secondary", PollEmpty)))
	assert.Equal(t, 1577836800000.0, testutil.ToFloat64(c.cursor.WithLabelValues("primary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backfill.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("new_events", "failed")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.AddDocuments("primary", OutcomeChanged, 1)
		c.ObserveBatch("primary", time.Second, nil)
		c.ObservePoll("primary", PollOK)
		c.SetCursor("primary", 1)
		c.ObserveBackfill(nil)
		c.ObserveNotification("changed_events", nil)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObservePoll("primary", PollOK)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `feedcdc_polls_total{result="ok",source="primary"} 1`))
}

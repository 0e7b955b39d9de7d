package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/ingest"
	"github.com/PratikDhanave/feed-cdc-service/internal/metrics"
	"github.com/PratikDhanave/feed-cdc-service/internal/source"
	"github.com/PratikDhanave/feed-cdc-service/internal/store"
	"github.com/PratikDhanave/feed-cdc-service/internal/testutil"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// fakeFeed serves scripted responses and records every request.
type fakeFeed struct {
	mu        sync.Mutex
	requests  []source.PageRequest
	responses []response
}

type response struct {
	page []value.Value
	err  error
}

func (f *fakeFeed) push(page []value.Value, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{page, err})
}

func (f *fakeFeed) Fetch(_ context.Context, req source.PageRequest) ([]value.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.page, r.err
}

func (f *fakeFeed) requestLog() []source.PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.PageRequest(nil), f.requests...)
}

func rawDoc(t *testing.T, id uuid.UUID, created string, extra string) value.Value {
	t.Helper()
	s := fmt.Sprintf(`{"id":%q,"created":%q%s}`, id, created, extra)
	v, err := value.Parse([]byte(s))
	require.NoError(t, err)
	return v
}

type env struct {
	store  store.Backend
	engine *ingest.Engine
	deps   Deps
}

func newEnv(t *testing.T) env {
	t.Helper()
	st := testutil.OpenTestStore(t)
	logger := zaptest.NewLogger(t)
	engine := ingest.New(ingest.Deps{
		Store:         st,
		Canonicalizer: canonical.New(canonical.Milliseconds, nil),
		Clock:         clock.WallClock,
		Logger:        logger,
		RetryDelay:    time.Millisecond,
	})
	return env{
		store:  st,
		engine: engine,
		deps: Deps{
			Ingester: engine,
			Store:    st,
			Logger:   logger,
			Metrics:  metrics.NewCollector(),
		},
	}
}

func TestPollSeedsFromEpochAndAdvances(t *testing.T) {
	e := newEnv(t)
	feed := &fakeFeed{}
	p := New(Config{Source: "primary", Feed: feed, PageSize: 2}, e.deps)

	feed.push([]value.Value{
		rawDoc(t, uuid.New(), "2020-01-01T00:00:00Z", ""),
		rawDoc(t, uuid.New(), "2020-01-01T00:00:01.500Z", ""),
	}, nil)
	res, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, Cursor{Created: 1577836801500, Valid: true}, p.Cursor())

	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)

	reqs := feed.requestLog()
	require.Len(t, reqs, 2)
	assert.Equal(t, source.PageRequest{Limit: 2, Sort: source.Ascending}, reqs[0])
	assert.Equal(t, source.PageRequest{Limit: 2, Sort: source.Ascending, Start: "2020-01-01T00:00:01.501Z"}, reqs[1])
	assert.Equal(t, Cursor{Created: 1577836801500, Valid: true}, p.Cursor(), "empty page keeps the cursor")
}

func TestPollSeedLatestIngestsOldestFirst(t *testing.T) {
	feed := &fakeFeed{}
	ing := &fakeIngester{}
	p := New(Config{Source: "primary", Feed: feed, Seed: SeedLatest}, Deps{Ingester: ing, Store: emptyCursorStore{}})

	newer := rawDoc(t, uuid.New(), "2020-01-02T00:00:00Z", "")
	older := rawDoc(t, uuid.New(), "2020-01-01T00:00:00Z", "")
	feed.push([]value.Value{newer, older}, nil)
	ing.results = []ingest.Result{{LatestCreated: 5, HasLatest: true}}

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.Descending, feed.requestLog()[0].Sort)
	require.Len(t, ing.batches, 1)
	assert.Equal(t, []value.Value{older, newer}, ing.batches[0])

	assert.Equal(t, source.Ascending, p.Request().Sort)
}

func TestPollResumesFromStore(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.Ingest(context.Background(),
		[]value.Value{rawDoc(t, uuid.New(), "2021-03-04T05:06:07Z", "")}, "primary")
	require.NoError(t, err)

	feed := &fakeFeed{}
	p := New(Config{Source: "primary", Feed: feed, Seed: SeedLatest}, e.deps)
	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2021-03-04T05:06:07.001Z", feed.requestLog()[0].Start)
	assert.Equal(t, source.Ascending, feed.requestLog()[0].Sort)

	other := New(Config{Source: "secondary", Feed: feed}, e.deps)
	_, err = other.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, feed.requestLog()[1].Start, "cursors are per source")
}

func TestFailedFetchKeepsCursor(t *testing.T) {
	e := newEnv(t)
	feed := &fakeFeed{}
	p := New(Config{Source: "primary", Feed: feed}, e.deps)

	feed.push([]value.Value{rawDoc(t, uuid.New(), "2020-01-01T00:00:00Z", "")}, nil)
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	before := p.Cursor()

	feed.push(nil, fmt.Errorf("%w: connection reset", source.ErrTransient))
	_, err = p.PollOnce(context.Background())
	assert.ErrorIs(t, err, source.ErrTransient)
	assert.Equal(t, before, p.Cursor())

	reqs := feed.requestLog()
	assert.Equal(t, reqs[1], p.Request(), "the same window is requested again")
}

func TestFailedBatchKeepsCursor(t *testing.T) {
	feed := &fakeFeed{}
	ing := &fakeIngester{}
	p := New(Config{Source: "primary", Feed: feed}, Deps{Ingester: ing, Store: emptyCursorStore{}})

	feed.push([]value.Value{rawDoc(t, uuid.New(), "2020-01-01T00:00:00Z", "")}, nil)
	ing.results = []ingest.Result{{LatestCreated: 100, HasLatest: true}}
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	feed.push([]value.Value{rawDoc(t, uuid.New(), "2020-01-02T00:00:00Z", "")}, nil)
	ing.errs = []error{fmt.Errorf("%w: deadlock detected", ingest.ErrStore)}
	_, err = p.PollOnce(context.Background())
	assert.ErrorIs(t, err, ingest.ErrStore)
	assert.Equal(t, Cursor{Created: 100, Valid: true}, p.Cursor())
}

func TestCursorNeverRegresses(t *testing.T) {
	feed := &fakeFeed{}
	ing := &fakeIngester{}
	p := New(Config{Source: "primary", Feed: feed}, Deps{Ingester: ing, Store: emptyCursorStore{}})

	var seen []int64
	for _, latest := range []int64{100, 250, 90, 250, 300} {
		feed.push([]value.Value{rawDoc(t, uuid.New(), "2020-01-01T00:00:00Z", "")}, nil)
		ing.results = append(ing.results, ingest.Result{LatestCreated: latest, HasLatest: true})
		_, err := p.PollOnce(context.Background())
		require.NoError(t, err)
		seen = append(seen, p.Cursor().Created)
	}
	assert.Equal(t, []int64{100, 250, 250, 250, 300}, seen)
}

func TestAllMalformedPageKeepsCursor(t *testing.T) {
	e := newEnv(t)
	feed := &fakeFeed{}
	p := New(Config{Source: "primary", Feed: feed}, e.deps)

	bad, err := value.Parse([]byte(`{"id":"not-a-uuid","created":"2020-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	feed.push([]value.Value{bad}, nil)

	res, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, p.Cursor().Valid)
}

func TestRestoreFailureIsRetried(t *testing.T) {
	feed := &fakeFeed{}
	cs := &flakyCursorStore{err: errors.New("connection refused")}
	p := New(Config{Source: "primary", Feed: feed}, Deps{Ingester: &fakeIngester{}, Store: cs})

	_, err := p.PollOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, feed.requestLog())

	cs.err = nil
	cs.latest = 42
	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cursor{Created: 42, Valid: true}, p.Cursor())
}

func TestRunPollsOnEveryTick(t *testing.T) {
	clk := testclock.NewClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	feed := &fakeFeed{}
	feed.push(nil, fmt.Errorf("%w: timeout", source.ErrTransient))
	p := New(Config{Source: "primary", Feed: feed, Interval: time.Second}, Deps{
		Ingester: &fakeIngester{},
		Store:    emptyCursorStore{},
		Clock:    clk,
		Logger:   zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	}
	require.Eventually(t, func() bool { return len(feed.requestLog()) == 4 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

type fakeIngester struct {
	mu      sync.Mutex
	batches [][]value.Value
	results []ingest.Result
	errs    []error
}

func (f *fakeIngester) Ingest(_ context.Context, batch []value.Value, _ string) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]value.Value(nil), batch...))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return ingest.Result{}, err
	}
	if len(f.results) == 0 {
		return ingest.Result{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type emptyCursorStore struct{}

func (emptyCursorStore) LatestCreated(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}

type flakyCursorStore struct {
	latest int64
	err    error
}

func (s *flakyCursorStore) LatestCreated(context.Context, string) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	return s.latest, true, nil
}

// Package poller drives the ingestion loops: one per upstream feed plus the
// redacted-document backfill.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/ingest"
	"github.com/PratikDhanave/feed-cdc-service/internal/metrics"
	"github.com/PratikDhanave/feed-cdc-service/internal/source"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// SeedMode chooses where an empty cursor starts.
type SeedMode string

const (
	// SeedEpoch walks the feed forward from its first document.
	SeedEpoch SeedMode = "epoch"
	// SeedLatest starts from the newest page, skipping older history.
	SeedLatest SeedMode = "latest"
)

// ParseSeedMode accepts "epoch" or "latest".
func ParseSeedMode(s string) (SeedMode, error) {
	switch SeedMode(s) {
	case "", SeedEpoch:
		return SeedEpoch, nil
	case SeedLatest:
		return SeedLatest, nil
	}
	return "", fmt.Errorf("unknown seed mode %q", s)
}

// Ingester applies a page of raw documents.
type Ingester interface {
	Ingest(ctx context.Context, batch []value.Value, source string) (ingest.Result, error)
}

// CursorStore re-derives a cursor after a restart.
type CursorStore interface {
	LatestCreated(ctx context.Context, source string) (int64, bool, error)
}

// Cursor is the last committed created epoch for one source.
type Cursor struct {
	Created int64
	Valid   bool
}

// Config describes one feed loop.
type Config struct {
	Source    string
	Feed      source.Feed
	Interval  time.Duration
	PageSize  int
	Seed      SeedMode
	Precision canonical.Precision
}

// Deps are shared by every loop.
type Deps struct {
	Ingester Ingester
	Store    CursorStore
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// Poller owns the cursor of one source. PollOnce and Run must not be
// called concurrently on the same Poller.
type Poller struct {
	cfg      Config
	ingester Ingester
	store    CursorStore
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector

	cursor   Cursor
	restored bool
}

// New returns a Poller for one source. The cursor is restored on the first
// poll.
func New(cfg Config, deps Deps) *Poller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Seed == "" {
		cfg.Seed = SeedEpoch
	}
	p := &Poller{
		cfg:      cfg,
		ingester: deps.Ingester,
		store:    deps.Store,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	if p.clock == nil {
		p.clock = clock.WallClock
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.With(zap.String("source", cfg.Source))
	return p
}

// Cursor returns the current cursor.
func (p *Poller) Cursor() Cursor { return p.cursor }

// Request returns the page request for the current cursor.
func (p *Poller) Request() source.PageRequest {
	req := source.PageRequest{Limit: p.cfg.PageSize, Sort: source.Ascending}
	switch {
	case p.cursor.Valid:
		req.Start = p.cfg.Precision.Format(p.cursor.Created + 1)
	case p.cfg.Seed == SeedLatest:
		req.Sort = source.Descending
	}
	return req
}

// PollOnce fetches and ingests one page. The cursor moves forward only
// when the batch commits.
func (p *Poller) PollOnce(ctx context.Context) (ingest.Result, error) {
	ctx, span := otel.Tracer("feedcdc/poller").Start(ctx, "poller.poll")
	defer span.End()
	span.SetAttributes(attribute.String("source", p.cfg.Source))

	res, err := p.poll(ctx)
	if err != nil {
		p.metrics.ObservePoll(p.cfg.Source, metrics.PollError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Poller) poll(ctx context.Context) (ingest.Result, error) {
	if !p.restored {
		if err := p.restore(ctx); err != nil {
			return ingest.Result{}, err
		}
	}

	req := p.Request()
	page, err := p.cfg.Feed.Fetch(ctx, req)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("poll %s: %w", p.cfg.Source, err)
	}
	if len(page) == 0 {
		p.metrics.ObservePoll(p.cfg.Source, metrics.PollEmpty)
		return ingest.Result{}, nil
	}
	if req.Sort == source.Descending {
		reverse(page)
	}

	res, err := p.ingester.Ingest(ctx, page, p.cfg.Source)
	if err != nil {
		return res, fmt.Errorf("poll %s: %w", p.cfg.Source, err)
	}
	p.metrics.ObservePoll(p.cfg.Source, metrics.PollOK)

	if res.HasLatest && (!p.cursor.Valid || res.LatestCreated > p.cursor.Created) {
		p.cursor = Cursor{Created: res.LatestCreated, Valid: true}
		p.metrics.SetCursor(p.cfg.Source, p.cursor.Created)
	} else if !res.HasLatest {
		p.logger.Warn("Page had no usable documents; cursor not advanced",
			zap.Int("page_size", len(page)),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

func (p *Poller) restore(ctx context.Context) error {
	latest, ok, err := p.store.LatestCreated(ctx, p.cfg.Source)
	if err != nil {
		return fmt.Errorf("poll %s: restore cursor: %w", p.cfg.Source, err)
	}
	if ok {
		p.cursor = Cursor{Created: latest, Valid: true}
		p.metrics.SetCursor(p.cfg.Source, latest)
		p.logger.Info("Resuming from stored cursor", zap.String("start", p.cfg.Precision.Format(latest)))
	} else {
		p.logger.Info("No stored documents; seeding", zap.String("seed", string(p.cfg.Seed)))
	}
	p.restored = true
	return nil
}

// Run polls every Interval until ctx is done. Poll failures are logged
// and retried on the next tick; they never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started", zap.Duration("interval", p.cfg.Interval), zap.Int("page_size", p.cfg.PageSize))
	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped")
			return nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

func reverse(page []value.Value) {
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
}

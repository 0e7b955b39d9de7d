package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/ingest"
	"github.com/PratikDhanave/feed-cdc-service/internal/metrics"
	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/source"
)

// BackfillStore finds and marks redacted documents.
type BackfillStore interface {
	RedactedDocuments(ctx context.Context, source string, checkedBefore time.Time, limit int) ([]models.RedactedDocument, error)
	MarkBackfillChecked(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// BackfillConfig describes the backfill scan.
type BackfillConfig struct {
	// Source is the tag used when re-ingesting; normally the primary feed.
	Source   string
	Feed     source.Feed
	Interval time.Duration
	// Cooldown is how long a checked document is left alone.
	Cooldown time.Duration
	// Rate bounds upstream requests per second.
	Rate      rate.Limit
	PageSize  int
	ScanLimit int
	Precision canonical.Precision
}

// Backfiller re-requests the primary feed around documents that are still
// redacted so their un-redacted form is picked up by the normal ingestion
// path.
type Backfiller struct {
	cfg      BackfillConfig
	store    BackfillStore
	ingester Ingester
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewBackfiller returns a Backfiller with defaults applied to cfg.
func NewBackfiller(cfg BackfillConfig, st BackfillStore, deps Deps) *Backfiller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Inf
	}
	b := &Backfiller{
		cfg:      cfg,
		store:    st,
		ingester: deps.Ingester,
		limiter:  rate.NewLimiter(cfg.Rate, 1),
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	if b.clock == nil {
		b.clock = clock.WallClock
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("loop", "backfill"))
	return b
}

// ScanStats summarises one backfill pass.
type ScanStats struct {
	Candidates int
	Requests   int
	Failed     int
	Changed    int
}

// ScanOnce walks the redacted documents due for a check, oldest first.
// A request starting at a document's created time also covers any later
// candidate whose created falls inside the returned page, so those are
// marked without another request. Documents whose request failed are
// left unmarked and come back on the next pass.
func (b *Backfiller) ScanOnce(ctx context.Context) (ScanStats, error) {
	var stats ScanStats
	now := b.clock.Now()

	due, err := b.store.RedactedDocuments(ctx, b.cfg.Source, now.Add(-b.cfg.Cooldown), b.cfg.ScanLimit)
	if err != nil {
		return stats, fmt.Errorf("backfill: list redacted: %w", err)
	}
	stats.Candidates = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	var (
		checked  []uuid.UUID
		covered  int64
		hasCover bool
	)
	for _, doc := range due {
		if hasCover && doc.Created <= covered {
			checked = append(checked, doc.ID)
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			break
		}

		stats.Requests++
		res, err := b.refetch(ctx, doc)
		b.metrics.ObserveBackfill(err)
		if err != nil {
			stats.Failed++
			b.logger.Warn("Backfill request failed",
				zap.String("id", doc.ID.String()),
				zap.Error(err))
			continue
		}
		stats.Changed += res.Changed
		checked = append(checked, doc.ID)
		if res.HasLatest {
			covered, hasCover = res.LatestCreated, true
		}
	}

	if err := b.store.MarkBackfillChecked(ctx, checked, now); err != nil {
		return stats, fmt.Errorf("backfill: mark checked: %w", err)
	}
	b.logger.Info("Backfill pass complete",
		zap.Int("candidates", stats.Candidates),
		zap.Int("requests", stats.Requests),
		zap.Int("failed", stats.Failed),
		zap.Int("changed", stats.Changed),
		zap.Int("marked", len(checked)))
	return stats, ctx.Err()
}

func (b *Backfiller) refetch(ctx context.Context, doc models.RedactedDocument) (ingest.Result, error) {
	page, err := b.cfg.Feed.Fetch(ctx, source.PageRequest{
		Limit: b.cfg.PageSize,
		Sort:  source.Ascending,
		Start: b.cfg.Precision.Format(doc.Created),
	})
	if err != nil || len(page) == 0 {
		return ingest.Result{}, err
	}
	return b.ingester.Ingest(ctx, page, b.cfg.Source)
}

// Run scans every Interval until ctx is done.
func (b *Backfiller) Run(ctx context.Context) error {
	b.logger.Info("Backfill started", zap.Duration("interval", b.cfg.Interval), zap.Duration("cooldown", b.cfg.Cooldown))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Backfill stopped")
			return nil
		case <-b.clock.After(b.cfg.Interval):
		}

		if _, err := b.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("Backfill pass failed", zap.Error(err))
		}
	}
}

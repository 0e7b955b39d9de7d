// Package ingest applies batches of upstream documents to the store as one
// unit of work: upsert, change detection, archiving and notification.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/PratikDhanave/feed-cdc-service/internal/archive"
	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/cdc"
	"github.com/PratikDhanave/feed-cdc-service/internal/metrics"
	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/notify"
	"github.com/PratikDhanave/feed-cdc-service/internal/store"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// ErrStore is returned when the batch transaction could not be committed.
// Nothing from the batch is visible in the store.
var ErrStore = errors.New("ingest: store error")

const (
	defaultAttempts   = 3
	defaultRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 2 * time.Second
)

// TxRunner is the part of store.Backend the engine needs.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Deps holds the collaborators of an Engine. Store and Canonicalizer are
// required.
type Deps struct {
	Store         TxRunner
	Canonicalizer *canonical.Canonicalizer
	Detector      *cdc.Detector
	Notifier      notify.Notifier
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Collector

	// Attempts bounds how many times a failed transaction is run.
	Attempts   int
	RetryDelay time.Duration
}

// Result summarises one batch.
type Result struct {
	// LatestCreated is the largest created epoch among the documents that
	// were applied. It is meaningful only when HasLatest is set.
	LatestCreated int64
	HasLatest     bool

	Inserted  int
	Changed   int
	Unchanged int
	Skipped   int
}

// Applied is the number of documents written to the live store.
func (r Result) Applied() int {
	return r.Inserted + r.Changed + r.Unchanged
}

type notification struct {
	topic   string
	payload string
}

// Engine ingests batches. It is safe for concurrent use; concurrent
// batches are serialized by the store's transaction isolation.
type Engine struct {
	store     TxRunner
	canon     *canonical.Canonicalizer
	detector  *cdc.Detector
	notifier  notify.Notifier
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	attempts  int
	retryWait time.Duration
}

// New returns an Engine with defaults applied for unset Deps fields.
func New(deps Deps) *Engine {
	e := &Engine{
		store:     deps.Store,
		canon:     deps.Canonicalizer,
		detector:  deps.Detector,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		attempts:  deps.Attempts,
		retryWait: deps.RetryDelay,
	}
	if e.detector == nil {
		e.detector = cdc.NewDetector(nil)
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.attempts <= 0 {
		e.attempts = defaultAttempts
	}
	if e.retryWait <= 0 {
		e.retryWait = defaultRetryDelay
	}
	return e
}

// Ingest applies batch for source. Malformed documents are logged and
// skipped; everything else commits or rolls back together. Notifications
// are emitted only once the transaction has committed.
func (e *Engine) Ingest(ctx context.Context, batch []value.Value, source string) (Result, error) {
	ctx, span := otel.Tracer("feedcdc/ingest").Start(ctx, "ingest.batch")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("batch.size", len(batch)))

	start := e.clock.Now()
	log := e.logger.With(zap.String("source", source))

	var (
		result Result
		docs   = make([]models.Document, 0, len(batch))
	)
	for i, raw := range batch {
		doc, err := e.canon.Canonicalize(raw, source)
		if err != nil {
			result.Skipped++
			log.Warn("Skipping malformed document",
				zap.Int("position", i),
				zap.String("id", canonical.RawID(raw)),
				zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	// Fixed across attempts so a retried archive write dedups. Truncated to
	// the store's resolution so per-archive offsets stay distinct.
	observedAt := start.UTC().Truncate(time.Microsecond)

	var (
		applied Result
		pending []notification
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			applied, pending, err = e.apply(ctx, docs, observedAt)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn("Batch transaction failed", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    e.attempts,
		Delay:       e.retryWait,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStore, retry.LastError(err))
		e.metrics.AddDocuments(source, metrics.OutcomeSkipped, result.Skipped)
		e.metrics.ObserveBatch(source, e.clock.Now().Sub(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Batch rolled back",
			zap.Int("documents", len(docs)),
			zap.Int("skipped", result.Skipped),
			zap.Error(err))
		return Result{Skipped: result.Skipped}, err
	}

	applied.Skipped = result.Skipped
	result = applied
	e.emit(ctx, pending, log)

	e.metrics.AddDocuments(source, metrics.OutcomeInserted, result.Inserted)
	e.metrics.AddDocuments(source, metrics.OutcomeChanged, result.Changed)
	e.metrics.AddDocuments(source, metrics.OutcomeUnchanged, result.Unchanged)
	e.metrics.AddDocuments(source, metrics.OutcomeSkipped, result.Skipped)
	e.metrics.ObserveBatch(source, e.clock.Now().Sub(start), nil)
	span.SetAttributes(
		attribute.Int("batch.inserted", result.Inserted),
		attribute.Int("batch.changed", result.Changed),
		attribute.Int("batch.skipped", result.Skipped))

	log.Info("Batch committed",
		zap.Int("inserted", result.Inserted),
		zap.Int("changed", result.Changed),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("skipped", result.Skipped),
		zap.Int64("latest_created", result.LatestCreated))
	return result, nil
}

// apply runs one transaction attempt. It returns the counts and the
// notifications to send if the attempt commits.
func (e *Engine) apply(ctx context.Context, docs []models.Document, observedAt time.Time) (Result, []notification, error) {
	var (
		result  Result
		pending []notification
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = Result{}
		pending = pending[:0]
		// The k-th archive of an attempt is stamped observedAt+k µs so
		// repeated revisions of one id within a batch keep distinct keys.
		archived := 0

		for _, doc := range docs {
			previous, err := tx.GetDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			if _, err := tx.UpsertDocument(ctx, doc); err != nil {
				return err
			}

			if !result.HasLatest || doc.Created > result.LatestCreated {
				result.LatestCreated = doc.Created
				result.HasLatest = true
			}

			switch {
			case previous == nil:
				result.Inserted++
				pending = append(pending, notification{notify.TopicNewEvents, doc.ID.String()})
			case e.detector.IsMeaningfulChange(previous, doc):
				stamp := observedAt.Add(time.Duration(archived) * time.Microsecond)
				archived++
				hash, inserted, err := archive.Archive(ctx, tx, doc.ID, previous.Body, stamp)
				if err != nil {
					return err
				}
				if !inserted {
					result.Unchanged++
					continue
				}
				result.Changed++
				pending = append(pending, notification{notify.TopicChangedEvents, hash})
			default:
				result.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, nil, err
	}
	return result, pending, nil
}

func (e *Engine) emit(ctx context.Context, pending []notification, log *zap.Logger) {
	if e.notifier == nil {
		return
	}
	for _, n := range pending {
		err := e.notifier.Notify(ctx, n.topic, n.payload)
		e.metrics.ObserveNotification(n.topic, err)
		if err != nil {
			log.Warn("Notification failed",
				zap.String("topic", n.topic),
				zap.String("payload", n.payload),
				zap.Error(err))
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/config"
	"github.com/PratikDhanave/feed-cdc-service/internal/httpserver"
	"github.com/PratikDhanave/feed-cdc-service/internal/ingest"
	"github.com/PratikDhanave/feed-cdc-service/internal/logging"
	"github.com/PratikDhanave/feed-cdc-service/internal/metrics"
	"github.com/PratikDhanave/feed-cdc-service/internal/notify"
	"github.com/PratikDhanave/feed-cdc-service/internal/poller"
	"github.com/PratikDhanave/feed-cdc-service/internal/source"
	"github.com/PratikDhanave/feed-cdc-service/internal/store"
)

const (
	version         = "1.0.0"
	primarySource   = "primary"
	secondarySource = "secondary"
	shutdownTimeout = 10 * time.Second
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedcdc",
		Short: "Change-data-capture ingester for upstream event feeds",
		Long: `feedcdc polls upstream JSON event feeds, stores the current form of every
document and archives superseded versions when a document is meaningfully
revised. New and changed documents are announced via pg_notify and NATS.`,
		Version:      version,
		SilenceUsage: true,
		RunE:         runIngester,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (environment variables take precedence)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(newMigrateCmd(), newLoadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   store.Backend
	kind    store.Kind
	metrics *metrics.Collector
	closers []func()
}

func setup(ctx context.Context, requireFeeds bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if requireFeeds {
		if err := cfg.RequireFeeds(); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	st, kind, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	// Ensure required tables/indexes exist so a fresh database is enough.
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		kind:    kind,
		metrics: metrics.NewCollector(),
	}
	a.closers = append(a.closers, st.Close)
	return a, nil
}

// Close runs the registered closers in reverse and flushes the logger.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *app) notifier() (notify.Notifier, error) {
	notifiers := notify.Multi{notify.Log{Logger: a.logger}}

	if a.cfg.NotifyPostgres {
		pg, ok := a.store.(*store.PostgresStore)
		if !ok {
			return nil, fmt.Errorf("%w: pg_notify needs the postgres store", config.ErrConfiguration)
		}
		notifiers = append(notifiers, notify.NewPostgres(pg.Pool()))
	}

	if a.cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(a.cfg.NATSURL, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		notifiers = append(notifiers, notify.NewNATS(nc, a.cfg.NATSSubjectPrefix))
	}
	return notifiers, nil
}

func (a *app) engine(n notify.Notifier) *ingest.Engine {
	return ingest.New(ingest.Deps{
		Store:         a.store,
		Canonicalizer: canonical.New(a.cfg.Precision, nil),
		Notifier:      n,
		Clock:         clock.WallClock,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
}

func (a *app) feed(url string) (*source.Client, error) {
	c, err := source.NewClient(url,
		source.WithTimeout(a.cfg.RequestTimeout),
		source.WithUserAgent(a.cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	return c, nil
}

func runIngester(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	n, err := a.notifier()
	if err != nil {
		return err
	}
	engine := a.engine(n)

	primaryFeed, err := a.feed(a.cfg.Primary.URL)
	if err != nil {
		return err
	}
	deps := poller.Deps{
		Ingester: engine,
		Store:    a.store,
		Clock:    clock.WallClock,
		Logger:   logger,
		Metrics:  a.metrics,
	}

	loops := []func(context.Context) error{
		poller.New(poller.Config{
			Source:    primarySource,
			Feed:      primaryFeed,
			Interval:  a.cfg.Primary.PollInterval,
			PageSize:  a.cfg.PageSize,
			Seed:      a.cfg.SeedMode,
			Precision: a.cfg.Precision,
		}, deps).Run,
	}

	if a.cfg.Secondary.URL != "" {
		secondaryFeed, err := a.feed(a.cfg.Secondary.URL)
		if err != nil {
			return err
		}
		loops = append(loops, poller.New(poller.Config{
			Source:    secondarySource,
			Feed:      secondaryFeed,
			Interval:  a.cfg.Secondary.PollInterval,
			PageSize:  a.cfg.PageSize,
			Seed:      poller.SeedEpoch,
			Precision: a.cfg.Precision,
		}, deps).Run)
	}

	if a.cfg.Backfill.Interval > 0 {
		loops = append(loops, poller.NewBackfiller(poller.BackfillConfig{
			Source:    primarySource,
			Feed:      primaryFeed,
			Interval:  a.cfg.Backfill.Interval,
			Cooldown:  a.cfg.Backfill.Cooldown,
			Rate:      rate.Limit(a.cfg.Backfill.Rate),
			PageSize:  a.cfg.PageSize,
			Precision: a.cfg.Precision,
		}, a.store, deps).Run)
	}

	router := httpserver.NewRouter(httpserver.Options{
		Store:     a.store,
		APIKeys:   a.cfg.APIKeys,
		Metrics:   a.metrics.Handler(),
		Precision: a.cfg.Precision,
		Logger:    logger,
	})
	server := httpserver.NewServer(a.cfg.HTTPAddr, router)

	logger.Info("Starting feedcdc",
		zap.String("version", version),
		zap.String("store", string(a.kind)),
		zap.String("primary", a.cfg.Primary.URL),
		zap.String("secondary", a.cfg.Secondary.URL),
		zap.Duration("backfill_interval", a.cfg.Backfill.Interval),
		zap.String("precision", a.cfg.Precision.String()),
		zap.String("seed", string(a.cfg.SeedMode)),
		zap.Bool("pg_notify", a.cfg.NotifyPostgres),
		zap.Bool("nats", a.cfg.NATSURL != ""),
		zap.String("http_addr", a.cfg.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range loops {
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("feedcdc stopped", zap.Error(err))
	return err
}

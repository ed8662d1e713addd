// Package server assembles the swarm service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-swarm/internal/api"
	"github.com/JakeFAU/crawl-swarm/internal/clock/system"
	"github.com/JakeFAU/crawl-swarm/internal/config"
	"github.com/JakeFAU/crawl-swarm/internal/controller"
	"github.com/JakeFAU/crawl-swarm/internal/dispatcher"
	"github.com/JakeFAU/crawl-swarm/internal/id/uuid"
	"github.com/JakeFAU/crawl-swarm/internal/logging"
	"github.com/JakeFAU/crawl-swarm/internal/metrics"
	"github.com/JakeFAU/crawl-swarm/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-swarm/internal/policy/retry"
	"github.com/JakeFAU/crawl-swarm/internal/policy/simple"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-swarm/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawl-swarm/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-swarm/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/crawl-swarm/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/crawl-swarm/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-swarm/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/crawl-swarm/internal/storage/sqlite"
	"github.com/JakeFAU/crawl-swarm/internal/store"
	"github.com/JakeFAU/crawl-swarm/internal/strategy"
	collystrategy "github.com/JakeFAU/crawl-swarm/internal/strategy/colly"
	"github.com/JakeFAU/crawl-swarm/internal/strategy/simulated"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
	"github.com/JakeFAU/crawl-swarm/internal/telemetry"
	"github.com/JakeFAU/crawl-swarm/internal/worker"
)

const statusSampleInterval = 5 * time.Second

// Options override pieces of the assembly, mostly for tests.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors (default registry when nil).
	Registerer prometheus.Registerer
	// Strategy replaces the configured crawl strategy.
	Strategy swarm.Strategy
}

type closablePublisher interface {
	swarm.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	ownsLogger bool
	hub        *progress.Hub
	ctl        *controller.Controller
	apiServer  *api.Server
	archive    store.OutcomeRepository
	reader     store.OutcomeReader
	publisher  closablePublisher
	tracer     *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	app = &App{cfg: cfg, logger: opts.Logger}
	if app.logger == nil {
		app.logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.ownsLogger = true
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, app.Close(context.Background()))
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("strategy", cfg.Strategy.Kind),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("publisher", cfg.PubSub.Backend),
	)
	metrics.Init()

	if cfg.Tracing.Enabled {
		app.tracer, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			ProjectID:   cfg.Tracing.ProjectID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return app, fmt.Errorf("tracer init failed: %w", err)
		}
	}
	if err = app.setupArchive(ctx); err != nil {
		return app, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return app, err
	}
	if err = app.setupProgress(ctx, opts.Registerer); err != nil {
		return app, err
	}

	crawl := opts.Strategy
	if crawl == nil {
		crawl, err = app.setupStrategy()
		if err != nil {
			return app, err
		}
	}
	pacer, err := app.setupPacer()
	if err != nil {
		return app, err
	}

	app.ctl, err = controller.New(controller.Config{
		PoolSize:      cfg.Swarm.PoolSize,
		RecentResults: cfg.Swarm.RecentResults,
		Pool: dispatcher.Config{
			MaxWorkers:       cfg.Swarm.MaxPoolSize,
			MaxCrashRequeues: cfg.Swarm.MaxCrashRequeues,
			Worker: worker.Config{
				TaskTimeout: cfg.Swarm.TaskTimeout,
				Checkpoints: cfg.Swarm.Checkpoints,
			},
		},
	}, controller.Deps{
		Strategy: crawl,
		Pacer:    pacer,
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.Swarm.MaxAttempts,
			BaseDelay:   cfg.Swarm.BackoffInitial,
			MaxDelay:    cfg.Swarm.BackoffMax,
		}),
		Events: app.hub,
		Clock:  system.New(),
		IDs:    uuid.New(),
	}, app.logger)
	if err != nil {
		return app, fmt.Errorf("controller init failed: %w", err)
	}

	app.apiServer = api.NewServer(
		app.ctl,
		app.hub,
		api.NewResultsHandler(app.ctl, app.reader, app.logger.Named("results")),
		api.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			EventBuffer:    cfg.Progress.ListenerBuffer,
		},
		app.logger,
	)
	return app, nil
}

// Controller exposes the swarm controller for batch runs.
func (a *App) Controller() *controller.Controller {
	return a.ctl
}

// Handler returns the HTTP control plane.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves the control plane until ctx is canceled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.sampleStatus(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return multierr.Append(runErr, a.Close(closeCtx))
}

func (a *App) sampleStatus(ctx context.Context) {
	ticker := time.NewTicker(statusSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.ctl.Status()
			metrics.ObserveSwarm(st.State == controller.StateRunning, st.Stats)
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Close stops the swarm, flushes sinks and releases clients. The archive is
// closed by its sink when the hub closes.
func (a *App) Close(ctx context.Context) error {
	var errs error
	if a.ctl != nil {
		errs = multierr.Append(errs, a.ctl.Stop(ctx))
	}
	if a.hub != nil {
		errs = multierr.Append(errs, a.hub.Close(ctx))
	} else if a.archive != nil {
		errs = multierr.Append(errs, a.archive.Close())
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	if a.ownsLogger {
		// stderr sync fails on some platforms
		_ = a.logger.Sync()
	}
	return errs
}

func (a *App) setupArchive(ctx context.Context) error {
	cfg := a.cfg.Archive
	switch cfg.Backend {
	case config.ArchivePostgres:
		s, err := pgstore.NewOutcomeStore(ctx, pgstore.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres archive init failed: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return multierr.Append(fmt.Errorf("postgres archive schema: %w", err), s.Close())
		}
		a.archive, a.reader = s, s
		a.logger.Info("using postgres outcome archive", zap.String("table", cfg.Postgres.Table))
	case config.ArchiveSQLite:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.SQLite.Path, DisableWAL: cfg.SQLite.DisableWAL})
		if err != nil {
			return fmt.Errorf("sqlite archive init failed: %w", err)
		}
		a.archive, a.reader = s, s
		a.logger.Info("using sqlite outcome archive", zap.String("path", s.Path()))
	case config.ArchiveGCS:
		s, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = s
		a.logger.Info("using GCS outcome archive", zap.String("uri", s.URI()))
	case config.ArchiveMemory:
		s := memorystorage.NewOutcomeStore()
		a.archive, a.reader = s, s
		a.logger.Info("using in-memory outcome archive")
	default:
		a.logger.Info("outcome archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Backend {
	case config.PublisherPubSub:
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicName: a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	case config.PublisherMemory:
		a.publisher = memorypublisher.NewBounded(1024)
		a.logger.Info("using in-memory event publisher")
	default:
		a.logger.Debug("event publishing disabled")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	pcfg := a.cfg.Progress
	var sinkList []progress.Sink
	if pcfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pcfg.MetricsEnabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		sink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if a.archive != nil {
		sinkList = append(sinkList, progresssinks.NewArchiveSink(a.archive, a.logger.Named("progress_archive")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.TopicName, nil, a.logger))
	}
	hubCfg := progress.Config{
		BufferSize:     pcfg.BufferSize,
		ListenerBuffer: pcfg.ListenerBuffer,
		MaxBatchEvents: pcfg.Batch.MaxEvents,
		MaxBatchWait:   pcfg.BatchWait(),
		SinkTimeout:    pcfg.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupStrategy() (swarm.Strategy, error) {
	scfg := a.cfg.Strategy
	var s swarm.Strategy
	switch scfg.Kind {
	case config.StrategySimulated:
		sim, err := simulated.New(simulated.Config{
			MinDelay:    scfg.Simulated.MinDelay,
			MaxDelay:    scfg.Simulated.MaxDelay,
			FailureRate: scfg.Simulated.FailureRate,
			MaxItems:    scfg.Simulated.MaxItems,
			Seed:        scfg.Simulated.Seed,
		})
		if err != nil {
			return nil, fmt.Errorf("simulated strategy init failed: %w", err)
		}
		s = sim
		a.logger.Info("using simulated strategy", zap.Float64("failure_rate", scfg.Simulated.FailureRate))
	default:
		c, err := collystrategy.New(collystrategy.Config{
			UserAgent:     scfg.UserAgent,
			RespectRobots: scfg.RespectRobots,
			Timeout:       scfg.RequestTimeout,
			MaxPages:      scfg.MaxPages,
			TorProxy:      scfg.TorProxy,
			I2PProxy:      scfg.I2PProxy,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("colly strategy init failed: %w", err)
		}
		s = c
		a.logger.Info("using colly strategy",
			zap.String("user_agent", scfg.UserAgent),
			zap.Bool("tor", scfg.TorProxy != ""),
			zap.Bool("i2p", scfg.I2PProxy != ""),
		)
	}
	router := strategy.NewRouter(nil)
	for _, typ := range []swarm.TargetType{
		swarm.TargetSurface, swarm.TargetSocial, swarm.TargetAPI,
		swarm.TargetOverlayTor, swarm.TargetOverlayI2P,
	} {
		router.Handle(typ, s)
	}
	return router, nil
}

func (a *App) setupPacer() (swarm.Pacer, error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		a.logger.Info("rate limiter disabled, using simple pacer")
		return simple.New(), nil
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		DefaultRPS:   rl.DefaultRPS,
		DefaultBurst: rl.DefaultBurst,
		MaxHosts:     rl.MaxHosts,
		Observer:     metrics.ObserveRateLimitDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", rl.DefaultRPS),
		zap.Int("default_burst", rl.DefaultBurst),
	)
	return limiter, nil
}

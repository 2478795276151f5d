// Package server assembles the catalog service and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vision-catalog/internal/api"
	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/clock/system"
	"github.com/JakeFAU/vision-catalog/internal/config"
	"github.com/JakeFAU/vision-catalog/internal/crawler"
	collyfetcher "github.com/JakeFAU/vision-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/vision-catalog/internal/hub"
	"github.com/JakeFAU/vision-catalog/internal/id/uuid"
	"github.com/JakeFAU/vision-catalog/internal/policy/retry"
	gcppublisher "github.com/JakeFAU/vision-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/vision-catalog/internal/scheduler"
	"github.com/JakeFAU/vision-catalog/internal/storage"
	"github.com/JakeFAU/vision-catalog/internal/telemetry"
)

const (
	initialBackoffBase = time.Second
	initialBackoffMax  = 30 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	crawler   scheduler.Crawler
	store     catalog.SnapshotStore
	hub       *hub.Hub
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	backoff   *retry.ExponentialPolicy

	closeStore      func()
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("building application dependencies",
		zap.String("addr", cfg.Addr()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Duration("refresh_interval", cfg.RefreshInterval()),
	)

	var tracerShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		tracerShutdown = tp.Shutdown
	}

	store, closeStore, err := storage.Open(ctx, cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}

	fetcher := collyfetcher.New(cfg.FetcherConfig())
	logger.Info("using colly fetcher", zap.String("user_agent", cfg.Source.UserAgent))
	crawl, err := crawler.New(fetcher, system.New(), cfg.CrawlerConfig(), logger)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}

	var (
		publishers      []catalog.ChangePublisher
		pubsubClient    *pubsub.Client
		pubsubPublisher *pubsub.Publisher
	)
	if cfg.PubSubEnabled() {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pubsubPublisher = pubsubClient.Publisher(cfg.PubSub.TopicName)
		publishers = append(publishers, gcppublisher.New(pubsubPublisher, logger))
		logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	} else {
		logger.Info("no Pub/Sub topic configured, change notifications disabled")
	}

	app := assemble(cfg, logger, crawl, store, publishers...)
	app.closeStore = closeStore
	app.pubsubClient = pubsubClient
	app.pubsubPublisher = pubsubPublisher
	app.tracerShutdown = tracerShutdown
	return app, nil
}

// assemble wires the in-process components around an existing crawler and store.
func assemble(cfg *config.Config, logger *zap.Logger, crawl scheduler.Crawler, store catalog.SnapshotStore, publishers ...catalog.ChangePublisher) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := hub.New(hub.Config{SendTimeout: cfg.SendTimeout(), Logger: logger})
	app := &App{
		cfg:        cfg,
		logger:     logger,
		crawler:    crawl,
		store:      store,
		hub:        h,
		closeStore: func() {},
		backoff: retry.NewExponentialPolicy(retry.Config{
			MaxRetries: cfg.Refresh.InitialAttempts - 1,
			BaseDelay:  initialBackoffBase,
			MaxDelay:   initialBackoffMax,
		}),
	}
	app.scheduler = scheduler.New(crawl, store, h, logger, publishers...)
	// Registry and ID generator are always set, so NewServer cannot fail here.
	app.apiServer, _ = api.NewServer(api.Options{
		Registry:     h,
		IDs:          uuid.New(),
		Logger:       logger,
		PingInterval: cfg.PingInterval(),
	})
	return app
}

// Store exposes the configured snapshot store.
func (a *App) Store() catalog.SnapshotStore {
	return a.store
}

// Run serves HTTP, loads or crawls the initial snapshot and then refreshes
// it periodically. It blocks until ctx is canceled or a signal arrives, and
// returns an error when the initial snapshot cannot be produced or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		initial, err := a.Bootstrap(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		return a.scheduler.Start(gctx, a.cfg.RefreshInterval(), initial)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		// Hijacked WebSocket connections are not tracked by Shutdown.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	a.Close()
	return err
}

// Bootstrap produces the first held snapshot: the cached one when the store
// has a non-empty catalog, otherwise a fresh crawl that is persisted and
// broadcast. A crawl that still fails after refresh.initial_attempts is
// returned as an error.
func (a *App) Bootstrap(ctx context.Context) (*catalog.Snapshot, error) {
	cached, err := a.store.Load(ctx)
	if err != nil {
		a.logger.Warn("cache unreadable, crawling instead", zap.Error(err))
	}
	if cached != nil && len(cached.Catalog) > 0 {
		a.logger.Info("starting from cached snapshot",
			zap.String("fingerprint", cached.Fingerprint()),
			zap.Int("leaves", cached.LeafCount()),
			zap.Time("completed_at", cached.CompletedAt),
		)
		a.hub.Broadcast(ctx, cached)
		return cached, nil
	}

	a.logger.Info("no cached snapshot, running initial crawl")
	snap, err := a.Crawl(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial crawl: %w", err)
	}
	a.scheduler.Publish(ctx, snap)
	return snap, nil
}

// Crawl runs one complete crawl, retrying whole crawls up to
// refresh.initial_attempts times.
func (a *App) Crawl(ctx context.Context) (*catalog.Snapshot, error) {
	attempts := max(a.cfg.Refresh.InitialAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err := a.crawler.Crawl(ctx)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		a.logger.Warn("crawl attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		if err := a.backoff.Wait(ctx, attempt-1); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Close releases external clients. It is safe to call more than once.
func (a *App) Close() {
	a.hub.Close()
	a.closeInfrastructure()
	a.closeObservability()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.closeStore != nil {
		a.closeStore()
		a.closeStore = nil
	}
}

func (a *App) closeObservability() {
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Package app initializes and holds the long-lived services of a crawl run,
// acting as the dependency container the CLI builds once and closes on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/lockstep-crawler/internal/api"
	"github.com/JakeFAU/lockstep-crawler/internal/clock/system"
	"github.com/JakeFAU/lockstep-crawler/internal/config"
	"github.com/JakeFAU/lockstep-crawler/internal/controller"
	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	goqueryextractor "github.com/JakeFAU/lockstep-crawler/internal/extractor/goquery"
	collyfetcher "github.com/JakeFAU/lockstep-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/lockstep-crawler/internal/hash/sha256"
	"github.com/JakeFAU/lockstep-crawler/internal/id/uuid"
	"github.com/JakeFAU/lockstep-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/lockstep-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/lockstep-crawler/internal/publisher/pubsub"
)

const shutdownTimeout = 10 * time.Second

// Option customizes NewApp.
type Option func(*options)

type options struct {
	registerer    prometheus.Registerer
	pubsubOptions []option.ClientOption
	publisher     crawler.Publisher
	fetcher       crawler.Fetcher
}

// WithRegisterer registers progress collectors on reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPubSubOptions passes client options to the Pub/Sub client, e.g. an
// emulator endpoint.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// App holds the shared services for one crawl.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	controller *controller.Controller
	hub        *progress.Hub
	server     *http.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// NewApp builds every service the crawl needs. It fails fast if any of them
// cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing services",
		zap.Int("workers", cfg.Crawler.Workers),
		zap.Int("max_pages", cfg.Crawler.MaxPages),
		zap.Bool("server_enabled", cfg.Server.Enabled),
		zap.Bool("publish_enabled", cfg.PublishEnabled()),
	)

	promSink, err := progresssinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress sink init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger,
	}, progresssinks.NewLogSink(logger), promSink)

	publisher := o.publisher
	if publisher == nil && cfg.PublishEnabled() {
		a.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID, o.pubsubOptions...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient, logger)
		publisher = a.pubsubPublisher
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Fetch.Timeout,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		})
	}

	a.controller, err = controller.New(controller.Config{
		Workers:           cfg.Crawler.Workers,
		MaxPages:          cfg.Crawler.MaxPages,
		MaxLinksPerWorker: cfg.Crawler.MaxLinksPerWorker,
		BarrierTimeout:    cfg.Aggregation.BarrierTimeout,
		FetchTimeout:      cfg.Fetch.Timeout,
		PublishTopic:      cfg.PubSub.TopicName,
	}, cfg.Crawler.Seeds, controller.Deps{
		Fetcher:   fetcher,
		Extractor: goqueryextractor.New(logger),
		Publisher: publisher,
		Hasher:    sha256.New(),
		Emitter:   a.hub,
		Clock:     system.New(),
		IDs:       uuid.NewUUIDGenerator(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("controller init failed: %w", err)
	}

	if cfg.Server.Enabled {
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(a.controller, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetController returns the crawl controller.
func (a *App) GetController() *controller.Controller {
	return a.controller
}

// Run starts the status server when enabled, runs the crawl to completion, and
// stops the server again. The returned error is the crawl's.
func (a *App) Run(ctx context.Context) (crawler.CrawlState, error) {
	if a.server != nil {
		go func() {
			a.logger.Info("status server started", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("status server shutdown failed", zap.Error(err))
			}
		}()
	}
	state, err := a.controller.Run(ctx)
	if err != nil {
		return state, fmt.Errorf("crawl failed: %w", err)
	}
	return state, nil
}

// Close flushes progress sinks and releases clients. It is called once the
// command finishes, successful or not.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	// Sync fails on some terminals; nothing to do about it.
	_ = a.logger.Sync()
}

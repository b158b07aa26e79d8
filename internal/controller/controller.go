// Package controller drives a crawl from distribution to termination. It owns
// the crawl state machine, starts the fleet once, and reports every completed
// round to metrics, progress sinks, and the optional round publisher.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/collective"
	"github.com/JakeFAU/lockstep-crawler/internal/coordinator"
	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	"github.com/JakeFAU/lockstep-crawler/internal/dispatcher"
	"github.com/JakeFAU/lockstep-crawler/internal/hash/sha256"
	iduuid "github.com/JakeFAU/lockstep-crawler/internal/id/uuid"
	"github.com/JakeFAU/lockstep-crawler/internal/logging"
	"github.com/JakeFAU/lockstep-crawler/internal/metrics"
	"github.com/JakeFAU/lockstep-crawler/internal/progress"
	"github.com/JakeFAU/lockstep-crawler/internal/queue/memory"
	"github.com/JakeFAU/lockstep-crawler/internal/worker"
)

const defaultPublishTimeout = 5 * time.Second

// ErrAlreadyRun is returned when Run is called more than once.
var ErrAlreadyRun = errors.New("controller already run")

// Config controls a crawl.
//   - Workers: fleet size N.
//   - MaxPages: rounds to run; the crawl is Done when pagesCrawled reaches it.
//   - MaxLinksPerWorker: per-worker link capacity K.
//   - BarrierTimeout: if > 0, bounds every barrier wait. A barrier wait covers
//     the slowest peer's fetch, so it must be larger than FetchTimeout or a
//     slow but successful fetch aborts the fleet.
//   - FetchTimeout: the fetcher's own per-request bound, when known. Only
//     used to validate BarrierTimeout.
//   - PublishTopic: if set and a Publisher is supplied, each round's table is
//     published there.
//   - PublishTimeout: bounds a single publish (default 5s).
type Config struct {
	Workers           int
	MaxPages          int
	MaxLinksPerWorker int
	BarrierTimeout    time.Duration
	FetchTimeout      time.Duration
	PublishTopic      string
	PublishTimeout    time.Duration
}

// Deps are the collaborators a Controller needs. Fetcher and Extractor are
// required; the rest fall back to defaults or are skipped when nil.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.LinkExtractor
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Emitter   progress.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// RoundNotification is the payload published after every round.
type RoundNotification struct {
	RunID        string         `json:"run_id"`
	Round        int            `json:"round"`
	PagesCrawled int            `json:"pages_crawled"`
	Total        int            `json:"total"`
	Digest       string         `json:"digest"`
	Links        []crawler.Link `json:"links"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Attributes labels the published message so subscribers can filter without
// decoding the body.
func (n RoundNotification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"round":  strconv.Itoa(n.Round),
		"digest": n.Digest,
	}
}

// Controller runs one crawl. It is not reusable.
type Controller struct {
	cfg    Config
	seeds  []string
	deps   Deps
	logger *zap.Logger

	started  atomic.Bool
	notifier *roundNotifier

	mu    sync.RWMutex
	state crawler.CrawlState
	last  crawler.RoundResult
	runID string
	runAt time.Time
}

// New validates cfg and builds a Controller for the ordered seed list.
func New(cfg Config, seeds []string, deps Deps, logger *zap.Logger) (*Controller, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0, got %d", cfg.Workers)
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be > 0, got %d", cfg.MaxPages)
	}
	if cfg.MaxLinksPerWorker < 0 {
		return nil, fmt.Errorf("max links per worker must be >= 0, got %d", cfg.MaxLinksPerWorker)
	}
	if cfg.BarrierTimeout < 0 {
		return nil, fmt.Errorf("barrier timeout must be >= 0, got %s", cfg.BarrierTimeout)
	}
	if cfg.BarrierTimeout > 0 && cfg.FetchTimeout > 0 && cfg.BarrierTimeout <= cfg.FetchTimeout {
		return nil, fmt.Errorf("barrier timeout %s must exceed fetch timeout %s", cfg.BarrierTimeout, cfg.FetchTimeout)
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("link extractor is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		seeds:  append([]string(nil), seeds...),
		deps:   deps,
		logger: logger.Named("controller"),
		state:  crawler.CrawlState{Phase: crawler.PhaseDistributing},
	}, nil
}

// State returns a snapshot of the crawl state.
func (c *Controller) State() crawler.CrawlState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastRound returns the most recently completed round.
func (c *Controller) LastRound() (crawler.RoundResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last.Round > 0
}

// LastTable returns a copy of the most recent round's link table.
func (c *Controller) LastTable() (crawler.LinkTable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Round == 0 {
		return nil, false
	}
	return append(crawler.LinkTable(nil), c.last.Table...), true
}

// RunID returns the identifier of the crawl, empty before Run.
func (c *Controller) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Run executes the crawl to completion. It returns the final state; the error
// is nil on Done and a CoordinationError (errors.Is ErrCoordination) when the
// fleet aborted. The fetcher is closed before Run returns.
func (c *Controller) Run(ctx context.Context) (crawler.CrawlState, error) {
	if !c.started.CompareAndSwap(false, true) {
		return c.State(), ErrAlreadyRun
	}
	defer func() {
		if err := c.deps.Fetcher.Close(); err != nil {
			c.logger.Warn("fetcher close failed", zap.Error(err))
		}
	}()

	if err := c.begin(); err != nil {
		return c.abort(err)
	}

	n := c.cfg.Workers
	mailboxes := make([]crawler.Mailbox, n)
	queues := make([]*memory.Queue, n)
	for i := range mailboxes {
		queues[i] = memory.NewQueue(1)
		mailboxes[i] = queues[i]
	}
	defer func() {
		for _, q := range queues {
			q.Close()
		}
	}()

	ready := collective.NewBarrier(n+1, c.distributed)
	agg, err := collective.NewAggregator(
		collective.Config{Workers: n, BarrierTimeout: c.cfg.BarrierTimeout},
		c.deps.Hasher,
		collective.Hooks{OnCounted: c.counted, OnGathered: c.gathered},
		c.logger,
	)
	if err != nil {
		return c.abort(err)
	}

	if c.deps.Publisher != nil && c.cfg.PublishTopic != "" {
		c.notifier = newRoundNotifier(c.deps.Publisher, c.cfg.PublishTopic, c.cfg.PublishTimeout,
			min(c.cfg.MaxPages, notifyQueueSize), c.logger)
		// Flushed before Run returns so every completed round is published.
		defer c.notifier.close()
	}

	runID := iduuid.Bytes(c.RunID())
	tasks := make([]dispatcher.Task, 0, n+1)
	coord := coordinator.New(c.seeds, c.logger)
	tasks = append(tasks, dispatcher.Task{
		Name: "coordinator",
		Run: func(ctx context.Context) error {
			ctx, cancel := c.withBarrierTimeout(ctx)
			defer cancel()
			return coord.Distribute(ctx, mailboxes, ready)
		},
	})
	for rank := 0; rank < n; rank++ {
		w := worker.New(
			worker.Config{Rank: rank, MaxLinks: c.cfg.MaxLinksPerWorker, RunID: runID},
			mailboxes[rank],
			c.deps.Fetcher,
			c.deps.Extractor,
			c.deps.Emitter,
			c.deps.Clock,
			c.logger,
		)
		tasks = append(tasks, dispatcher.Task{
			Name: fmt.Sprintf("worker-%d", rank),
			Run: func(ctx context.Context) error {
				return c.runWorker(ctx, w, ready, agg)
			},
		})
	}

	d := dispatcher.New(c.logger, func(err error) {
		agg.Abort(err)
		ready.Break(err)
	})
	if err := d.Run(ctx, tasks...); err != nil {
		return c.abort(err)
	}
	return c.finish()
}

func (c *Controller) runWorker(ctx context.Context, w *worker.Worker, ready *collective.Barrier, agg *collective.Aggregator) error {
	rctx, cancel := c.withBarrierTimeout(ctx)
	err := w.Receive(rctx, ready)
	cancel()
	if err != nil {
		return err
	}
	for round := 1; ; round++ {
		buf := w.FetchAndExtract(ctx, round)
		if err := ctx.Err(); err != nil {
			agg.Abort(err)
			return &crawler.CoordinationError{Round: round, Rank: w.Rank(), Phase: crawler.PhaseFetching, Err: err}
		}
		if _, err := agg.Sync(ctx, w.Rank(), buf); err != nil {
			return err
		}
		if c.State().Phase.Terminal() {
			return nil
		}
	}
}

func (c *Controller) withBarrierTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.BarrierTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.BarrierTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) begin() error {
	runID := ""
	if c.deps.IDs != nil {
		id, err := c.deps.IDs.NewID()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	c.mu.Lock()
	c.runID = runID
	c.runAt = c.now()
	c.state = crawler.CrawlState{Phase: crawler.PhaseDistributing}
	c.mu.Unlock()

	// Every record from here on, workers included, carries the run ID.
	c.logger = logging.WithRun(c.logger, runID)
	c.logger.Info("crawl starting",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("seeds", len(c.seeds)),
		zap.Int("max_pages", c.cfg.MaxPages),
		zap.Int("max_links_per_worker", c.cfg.MaxLinksPerWorker),
	)
	c.emit(progress.Event{Stage: progress.StageCrawlStart})
	return nil
}

// distributed runs once, when the coordinator and every worker meet at the
// ready barrier.
func (c *Controller) distributed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Round = 1
	c.state.Phase = crawler.PhaseFetching
	return nil
}

func (c *Controller) counted(round, total int) error {
	c.mu.Lock()
	c.state.Round = round
	c.state.Phase = crawler.PhaseAggregating
	c.mu.Unlock()
	c.logger.Debug("link counts exchanged", zap.Int("round", round), zap.Int("total", total))
	return nil
}

// gathered runs exactly once per round, before any worker leaves the
// aggregation barrier, so the phase it sets is what every worker observes.
func (c *Controller) gathered(result crawler.RoundResult) error {
	c.mu.Lock()
	c.state.PagesCrawled++
	pages := c.state.PagesCrawled
	if pages >= c.cfg.MaxPages {
		c.state.Phase = crawler.PhaseDone
	} else {
		c.state.Round = result.Round + 1
		c.state.Phase = crawler.PhaseFetching
	}
	c.last = result
	runID := c.runID
	c.mu.Unlock()

	metrics.ObserveRound(result.Total)
	c.logger.Info("round complete",
		zap.Int("round", result.Round),
		zap.Int("pages_crawled", pages),
		zap.Int("links", result.Total),
		zap.String("digest", sha256.Short(result.Digest)),
	)
	if c.logger.Core().Enabled(zap.DebugLevel) {
		for _, l := range result.Table {
			c.logger.Debug("discovered link",
				zap.Int("round", result.Round),
				zap.Int("rank", l.Rank),
				zap.String("href", l.Href),
			)
		}
	}
	c.emit(progress.Event{
		Stage: progress.StageRoundDone,
		Round: result.Round,
		Links: result.Total,
		Note:  result.Digest,
	})
	c.notify(RoundNotification{
		RunID:        runID,
		Round:        result.Round,
		PagesCrawled: pages,
		Total:        result.Total,
		Digest:       result.Digest,
		Links:        result.Table,
		CompletedAt:  c.now(),
	})
	return nil
}

func (c *Controller) notify(msg RoundNotification) {
	if c.notifier != nil {
		c.notifier.enqueue(msg)
	}
}

func (c *Controller) finish() (crawler.CrawlState, error) {
	state := c.State()
	if state.Phase != crawler.PhaseDone {
		return c.abort(fmt.Errorf("fleet stopped in phase %s", state.Phase))
	}
	dur := c.sinceStart()
	c.logger.Info("crawl done",
		zap.Int("pages_crawled", state.PagesCrawled),
		zap.Duration("elapsed", dur),
	)
	c.emit(progress.Event{Stage: progress.StageCrawlDone, Round: state.Round, Dur: dur})
	return state, nil
}

func (c *Controller) abort(err error) (crawler.CrawlState, error) {
	c.mu.Lock()
	failedIn := c.state.Phase
	round := c.state.Round
	c.state.Phase = crawler.PhaseAborted
	state := c.state
	c.mu.Unlock()

	err = crawler.AsCoordinationError(err, round, -1, failedIn)
	c.logger.Error("crawl aborted",
		zap.String("failed_in", string(failedIn)),
		zap.Int("round", round),
		zap.Error(err),
	)
	c.emit(progress.Event{Stage: progress.StageCrawlAborted, Round: round, Dur: c.sinceStart(), Note: err.Error()})
	return state, err
}

func (c *Controller) emit(evt progress.Event) {
	if c.deps.Emitter == nil {
		return
	}
	evt.RunID = iduuid.Bytes(c.RunID())
	evt.Rank = -1
	evt.TS = c.now()
	c.deps.Emitter.Emit(evt)
}

func (c *Controller) now() time.Time {
	if c.deps.Clock == nil {
		return time.Now().UTC()
	}
	return c.deps.Clock.Now()
}

func (c *Controller) sinceStart() time.Duration {
	c.mu.RLock()
	at := c.runAt
	c.mu.RUnlock()
	if at.IsZero() {
		return 0
	}
	d := c.now().Sub(at)
	if d < 0 {
		return 0
	}
	return d
}

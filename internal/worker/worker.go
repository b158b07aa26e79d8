// Package worker implements a single rank of the crawl fleet: it receives one
// seed assignment and, every round, fetches that page and extracts its links.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/collective"
	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	"github.com/JakeFAU/lockstep-crawler/internal/metrics"
	"github.com/JakeFAU/lockstep-crawler/internal/progress"
)

// Config controls Worker behavior.
//   - Rank: position in the fleet, 0-based.
//   - MaxLinks: per-round link capacity K; extra links are dropped.
//   - RunID: stamped on progress events.
type Config struct {
	Rank     int
	MaxLinks int
	RunID    [16]byte
}

// Worker owns one assignment for the lifetime of a crawl.
type Worker struct {
	cfg       Config
	mailbox   crawler.Mailbox
	fetcher   crawler.Fetcher
	extractor crawler.LinkExtractor
	emitter   progress.Emitter
	clock     crawler.Clock
	logger    *zap.Logger

	assignment crawler.Assignment
	received   bool
}

// New constructs a Worker. emitter may be nil.
func New(
	cfg Config,
	mailbox crawler.Mailbox,
	fetcher crawler.Fetcher,
	extractor crawler.LinkExtractor,
	emitter progress.Emitter,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLinks < 0 {
		cfg.MaxLinks = 0
	}
	return &Worker{
		cfg:       cfg,
		mailbox:   mailbox,
		fetcher:   fetcher,
		extractor: extractor,
		emitter:   emitter,
		clock:     clock,
		logger:    logger.Named("worker").With(zap.Int("rank", cfg.Rank)),
	}
}

// Rank returns the worker's fleet position.
func (w *Worker) Rank() int {
	return w.cfg.Rank
}

// Assignment returns the assignment taken from the mailbox, if any.
func (w *Worker) Assignment() (crawler.Assignment, bool) {
	return w.assignment, w.received
}

// Receive takes this worker's assignment from its mailbox and acknowledges it
// at the ready barrier. A failure to receive breaks the barrier so the
// coordinator and the rest of the fleet do not wait forever.
func (w *Worker) Receive(ctx context.Context, ready *collective.Barrier) error {
	a, err := w.mailbox.Dequeue(ctx)
	if err == nil && a.Rank != w.cfg.Rank {
		err = fmt.Errorf("assignment addressed to rank %d", a.Rank)
	}
	if err != nil {
		err = fmt.Errorf("receive assignment: %w", err)
		ready.Break(err)
		return &crawler.CoordinationError{Rank: w.cfg.Rank, Phase: crawler.PhaseDistributing, Err: err}
	}
	w.assignment = a
	w.received = true
	if a.Assigned() {
		w.logger.Info("assignment received", zap.String("url", a.URL))
	} else {
		w.logger.Info("no url assigned; worker will idle each round")
	}
	if err := ready.Await(ctx); err != nil {
		return &crawler.CoordinationError{Rank: w.cfg.Rank, Phase: crawler.PhaseDistributing, Err: fmt.Errorf("ready barrier: %w", err)}
	}
	return nil
}

// FetchAndExtract runs one round of the pipeline and returns the links kept
// for this worker, at most MaxLinks in document order. It never fails: a
// sentinel assignment or a fetch error yields an empty buffer, so the worker
// still takes part in aggregation.
func (w *Worker) FetchAndExtract(ctx context.Context, round int) *crawler.LinkBuffer {
	buf := crawler.NewLinkBuffer(w.cfg.MaxLinks)
	if !w.assignment.Assigned() {
		w.logger.Info("skipping fetch", zap.Int("round", round), zap.Error(crawler.ErrNoAssignment))
		return buf
	}

	url := w.assignment.URL
	site := crawler.SiteOf(url)
	start := w.now()
	page, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		status := 0
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			status = fe.StatusCode
		}
		w.logger.Warn("fetch failed",
			zap.Int("worker_rank", w.cfg.Rank),
			zap.String("url", url),
			zap.Int("status", status),
			zap.Int("round", round),
			zap.Error(err),
		)
		metrics.ObserveFetch(url, string(crawler.PageFetchError), 0, w.since(start))
		w.emit(progress.Event{
			Stage:       progress.StageFetchError,
			Round:       round,
			Site:        site,
			URL:         url,
			StatusClass: progress.ClassifyStatus(status),
			Dur:         w.since(start),
			Note:        err.Error(),
		})
		return buf
	}

	w.logger.Info("fetched",
		zap.Int("worker_rank", w.cfg.Rank),
		zap.String("url", url),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
		zap.Int("round", round),
	)
	metrics.ObserveFetch(url, string(crawler.PageOK), len(page.Body), page.Duration)

	kept := buf.Fill(w.extractor.Extract(page.Body))
	if dropped := buf.Dropped(); dropped > 0 {
		w.logger.Debug("links truncated", zap.Int("kept", kept), zap.Int("dropped", dropped))
		metrics.ObserveDroppedLinks(dropped)
	}
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Round:       round,
		Site:        site,
		URL:         url,
		Bytes:       int64(len(page.Body)),
		Links:       kept,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         page.Duration,
	})
	return buf
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	evt.RunID = w.cfg.RunID
	evt.Rank = w.cfg.Rank
	evt.TS = w.now()
	w.emitter.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

func (w *Worker) since(t time.Time) time.Duration {
	d := w.now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

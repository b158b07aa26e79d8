package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/lockstep-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. It owns collectors for
// runs started/finished/running, completed rounds, and per-site fetch
// outcomes as reported by workers.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	roundsCompleted prometheus.Counter
	roundLinks      prometheus.Histogram

	fetches    *prometheus.CounterVec
	fetchBytes *prometheus.CounterVec
	fetchLinks *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_runs_finished_total",
			Help: "Total crawl runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_run_duration_seconds",
			Help:    "Wall time per finished crawl run.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		roundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_progress_rounds_total",
			Help: "Rounds reported complete by the controller.",
		}),
		roundLinks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_progress_round_links",
			Help:    "Links gathered fleet-wide per reported round.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_progress_fetches_total",
			Help: "Worker fetch outcomes partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_progress_fetch_bytes_total",
			Help: "Bytes fetched per site as reported by workers.",
		}, []string{"site"}),
		fetchLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_progress_links_kept_total",
			Help: "Links kept after truncation per site.",
		}, []string{"site"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.roundsCompleted,
		s.roundLinks,
		s.fetches,
		s.fetchBytes,
		s.fetchLinks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlAborted:
		s.handleRunEvent(evt)
	case progress.StageRoundDone:
		s.roundsCompleted.Inc()
		s.roundLinks.Observe(float64(evt.Links))
	case progress.StageFetchDone, progress.StageFetchError:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageCrawlDone:
		s.runsFinished.WithLabelValues("done").Inc()
		s.observeRuntime(evt, "done")
	case progress.StageCrawlAborted:
		s.runsFinished.WithLabelValues("aborted").Inc()
		s.observeRuntime(evt, "aborted")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetches.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Links > 0 {
		s.fetchLinks.WithLabelValues(site).Add(float64(evt.Links))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/collective"
	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	"github.com/JakeFAU/lockstep-crawler/internal/progress"
	"github.com/JakeFAU/lockstep-crawler/internal/queue/memory"
)

func TestWorker_FetchAndExtract_TruncatesToCapacity(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]crawler.Page{
		"https://example.com": {URL: "https://example.com", StatusCode: http.StatusOK, Body: []byte("<html/>"), Status: crawler.PageOK},
	}}
	extractor := fakeExtractor{links: []string{"a", "b", "c", "d"}}
	emitter := &fakeEmitter{}

	w := newReadyWorker(t, Config{Rank: 0, MaxLinks: 2}, "https://example.com", fetcher, extractor, emitter)

	buf := w.FetchAndExtract(context.Background(), 1)
	assert.Equal(t, []string{"a", "b"}, buf.Links())
	assert.Equal(t, 2, buf.Dropped())
	assert.Equal(t, 1, fetcher.callCount("https://example.com"))

	events := emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, progress.StageFetchDone, events[0].Stage)
	assert.Equal(t, 2, events[0].Links)
	assert.Equal(t, "example.com", events[0].Site)
	assert.Equal(t, progress.Status2xx, events[0].StatusClass)
	assert.NoError(t, events[0].Validate())
}

func TestWorker_FetchAndExtract_FetchErrorYieldsEmptyBuffer(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{errs: map[string]error{
		"https://down.example": crawler.NewFetchError("https://down.example", http.StatusServiceUnavailable, errors.New("Service Unavailable")),
	}}
	emitter := &fakeEmitter{}
	w := newReadyWorker(t, Config{Rank: 1, MaxLinks: 2}, "https://down.example", fetcher, fakeExtractor{links: []string{"x"}}, emitter)

	buf := w.FetchAndExtract(context.Background(), 2)
	assert.Equal(t, 0, buf.Len())

	events := emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, progress.StageFetchError, events[0].Stage)
	assert.Equal(t, 1, events[0].Rank)
	assert.Equal(t, 2, events[0].Round)
	assert.Equal(t, progress.Status5xx, events[0].StatusClass)
}

func TestWorker_FetchAndExtract_SentinelSkipsFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	w := newReadyWorker(t, Config{Rank: 3, MaxLinks: 2}, "", fetcher, fakeExtractor{links: []string{"x"}}, nil)

	a, ok := w.Assignment()
	require.True(t, ok)
	assert.False(t, a.Assigned())

	buf := w.FetchAndExtract(context.Background(), 1)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 2, buf.Cap())
	assert.Zero(t, fetcher.total())
}

func TestWorker_FetchAndExtract_RefetchesEachRound(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]crawler.Page{
		"https://example.com": {StatusCode: http.StatusOK, Body: []byte("ok"), Status: crawler.PageOK},
	}}
	w := newReadyWorker(t, Config{Rank: 0, MaxLinks: 2}, "https://example.com", fetcher, fakeExtractor{}, nil)

	for round := 1; round <= 4; round++ {
		w.FetchAndExtract(context.Background(), round)
	}
	assert.Equal(t, 4, fetcher.callCount("https://example.com"))
}

func TestWorker_Receive_WrongRankBreaksBarrier(t *testing.T) {
	t.Parallel()

	mailbox := memory.NewQueue(1)
	require.NoError(t, mailbox.Enqueue(context.Background(), crawler.Assignment{Rank: 5, URL: "https://x"}))
	ready := collective.NewBarrier(2, nil)

	w := New(Config{Rank: 0, MaxLinks: 2}, mailbox, &fakeFetcher{}, fakeExtractor{}, nil, nil, zap.NewNop())
	err := w.Receive(context.Background(), ready)
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrCoordination)
	assert.Error(t, ready.Err())
	_, ok := w.Assignment()
	assert.False(t, ok)
}

func TestWorker_Receive_ClosedMailbox(t *testing.T) {
	t.Parallel()

	mailbox := memory.NewQueue(1)
	mailbox.Close()
	ready := collective.NewBarrier(2, nil)

	w := New(Config{Rank: 0}, mailbox, &fakeFetcher{}, fakeExtractor{}, nil, nil, nil)
	err := w.Receive(context.Background(), ready)

	var ce *crawler.CoordinationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, crawler.PhaseDistributing, ce.Phase)
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func newReadyWorker(
	t *testing.T,
	cfg Config,
	url string,
	fetcher crawler.Fetcher,
	extractor crawler.LinkExtractor,
	emitter progress.Emitter,
) *Worker {
	t.Helper()
	mailbox := memory.NewQueue(1)
	require.NoError(t, mailbox.Enqueue(context.Background(), crawler.Assignment{Rank: cfg.Rank, URL: url}))
	if cfg.RunID == [16]byte{} {
		cfg.RunID = [16]byte{1}
	}
	w := New(cfg, mailbox, fetcher, extractor, emitter, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())
	require.NoError(t, w.Receive(context.Background(), collective.NewBarrier(1, nil)))
	return w
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.Page
	errs  map[string]error
	calls map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return crawler.Page{URL: url, Status: crawler.PageFetchError}, err
	}
	page, ok := f.pages[url]
	if !ok {
		return crawler.Page{URL: url, Status: crawler.PageFetchError}, crawler.NewFetchError(url, http.StatusNotFound, errors.New("not found"))
	}
	return page, nil
}

func (f *fakeFetcher) Close() error {
	return nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeExtractor struct {
	links []string
}

func (f fakeExtractor) Extract([]byte) []string {
	return append([]string(nil), f.links...)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) Events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHubFlushesAtRoundBoundary(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	run := UUIDToBytes(uuid.New())
	hub.Emit(fetchEvent(run, 0, 1))
	hub.Emit(fetchEvent(run, 1, 1))
	hub.Emit(Event{RunID: run, TS: time.Now(), Stage: StageRoundDone, Rank: -1, Round: 1, Links: 3})

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	batch := sink.Batches()[0]
	require.Len(t, batch, 3)
	assert.Equal(t, StageRoundDone, batch[2].Stage)
	assert.Equal(t, 3, batch[2].Links)
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	run := UUIDToBytes(uuid.New())
	hub.Emit(fetchEvent(run, 0, 1))
	hub.Emit(fetchEvent(run, 1, 1))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(fetchEvent(UUIDToBytes(uuid.New()), 0, 1))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink, nil)

	run := UUIDToBytes(uuid.New())
	hub.Emit(Event{RunID: run, TS: time.Now(), Stage: StageCrawlStart, Rank: -1})
	hub.Emit(fetchEvent(run, 0, 1))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	assert.True(t, sink.Closed())
}

func TestHubCountsDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	sink := newStubSink()
	sink.gate = make(chan struct{})
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 100, MaxBatchWait: time.Minute, Logger: zap.New(core)}, sink)

	run := UUIDToBytes(uuid.New())
	// The round boundary flushes at once and parks the batcher inside the sink.
	hub.Emit(Event{RunID: run, TS: time.Now(), Stage: StageRoundDone, Rank: -1, Round: 1})
	require.Eventually(t, sink.Entered, time.Second, 5*time.Millisecond)

	start := time.Now()
	for i := 0; i < 5; i++ {
		hub.Emit(fetchEvent(run, i, 2))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Emit must not block on a stalled sink")

	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))

	dropped := logs.FilterMessage("progress events dropped, buffer full").All()
	require.Len(t, dropped, 1)
	assert.EqualValues(t, 4, dropped[0].ContextMap()["dropped"])
}

func TestHubKeepsFlushingAfterSinkError(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	sink := newStubSink()
	sink.err = errors.New("sink unavailable")
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute, Logger: zap.New(core)}, sink)

	run := UUIDToBytes(uuid.New())
	hub.Emit(fetchEvent(run, 0, 1))
	hub.Emit(fetchEvent(run, 0, 2))
	require.NoError(t, hub.Close(context.Background()))

	assert.Len(t, sink.Batches(), 2)
	assert.Equal(t, 2, logs.FilterMessage("progress sink consume failed").Len())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	run := UUIDToBytes(uuid.New())
	hub.Emit(Event{TS: time.Now(), Stage: StageCrawlStart})
	hub.Emit(Event{RunID: run, TS: time.Now(), Stage: StageRoundDone})
	hub.Emit(Event{RunID: run, TS: time.Now(), Stage: StageFetchDone, Rank: 0})

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(fetchEvent(UUIDToBytes(uuid.New()), 0, 1))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(fetchEvent(UUIDToBytes(uuid.New()), 0, 1))
	require.NoError(t, nilHub.Close(context.Background()))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	entered bool
	err     error
	gate    chan struct{}
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	s.entered = true
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Entered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func fetchEvent(run [16]byte, rank, round int) Event {
	return Event{
		RunID:       run,
		TS:          time.Now(),
		Stage:       StageFetchDone,
		Rank:        rank,
		Round:       round,
		Site:        "example.com",
		URL:         "https://example.com/",
		StatusClass: Status2xx,
		Bytes:       128,
		Links:       2,
	}
}

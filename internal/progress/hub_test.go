package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, FlushInterval: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(jobDone("job-1"))
	hub.Emit(jobDone("job-2"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushOnInterval(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, FlushInterval: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(jobDone("job-1"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(jobDone("job-1"))
	hub.Emit(jobDone("job-2"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())
}

func TestHubDrainsOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, FlushInterval: time.Minute, Logger: zap.NewNop()}, sink)

	hub.Emit(jobDone("job-1"))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.Closed())

	hub.Emit(jobDone("job-2"))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubStampsAndValidates(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Stage: StageFetchDone, Provider: "direct"})
	hub.Emit(Event{Stage: StageJobDone, JobID: "job-1"})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	evt := sink.Batches()[0][0]
	require.Equal(t, StageJobDone, evt.Stage)
	require.False(t, evt.TS.IsZero())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.Error(t, Event{Stage: StageJobDone, JobID: "j"}.Validate())
	require.Error(t, Event{TS: now, Stage: "BOGUS"}.Validate())
	require.Error(t, Event{TS: now, Stage: StageFetchAttempt}.Validate())
	require.Error(t, Event{TS: now, Stage: StageFetchDone, Provider: "direct"}.Validate())
	require.Error(t, Event{TS: now, Stage: StageItemRetry}.Validate())
	require.Error(t, Event{TS: now, Stage: StageCacheHit}.Validate())
	require.NoError(t, Event{TS: now, Stage: StageFetchDone, Provider: "direct", Outcome: OutcomeOK}.Validate())
	require.NoError(t, Event{TS: now, Stage: StageChunkClaimed, Count: 3}.Validate())
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	var r Recorder
	r.Emit(Event{Stage: StageCacheHit, Domain: "a.test"})
	r.Emit(Event{Stage: StageJobDone, JobID: "j"})
	require.Len(t, r.Events(), 2)
	require.Len(t, r.ByStage(StageJobDone), 1)
	Nop{}.Emit(Event{})
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func jobDone(id string) Event {
	return Event{TS: time.Now(), Stage: StageJobDone, JobID: id, Count: 1}
}

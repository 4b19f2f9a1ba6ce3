package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/progress"
	"github.com/JakeFAU/lead-enricher/internal/publisher/memory"
	"github.com/JakeFAU/lead-enricher/internal/store"
)

func fetchDone(provider string, tier int, outcome progress.Outcome, bytes int64, ts time.Time) progress.Event {
	return progress.Event{
		TS:       ts,
		Stage:    progress.StageFetchDone,
		Domain:   "acme.test",
		Provider: provider,
		Tier:     tier,
		Outcome:  outcome,
		Bytes:    bytes,
		Dur:      150 * time.Millisecond,
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TS: now, Stage: progress.StageChunkClaimed, Count: 5},
		{TS: now, Stage: progress.StageCacheHit, Domain: "bar.test"},
		fetchDone("direct", progress.TierRace, progress.OutcomeOK, 2048, now),
		fetchDone("relay-a", progress.TierRace, progress.OutcomeCanceled, 0, now),
		{TS: now, Stage: progress.StageClassifyDone, Domain: "acme.test", Cost: 0.0004},
		{TS: now, Stage: progress.StageItemCompleted, ItemID: "i1"},
		{TS: now, Stage: progress.StageItemRetry, ItemID: "i2"},
		{TS: now, Stage: progress.StageJobDone, JobID: "j1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1, testutil.ToFloat64(sink.chunks), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.cacheHits), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.fetchAttempts.WithLabelValues("direct", "1", "ok")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.fetchAttempts.WithLabelValues("relay-a", "1", "canceled")), 0.001)
	require.InDelta(t, 2048, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("direct")), 0.001)
	require.InDelta(t, 0.0004, testutil.ToFloat64(sink.classifierCost), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(sink.items.WithLabelValues("completed")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.items.WithLabelValues("retry")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.jobsCompleted), 0.001)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestStoreSinkCollapsesDeltas(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		fetchDone("direct", progress.TierRace, progress.OutcomeOK, 100, now),
		fetchDone("direct", progress.TierRace, progress.OutcomeOK, 50, now.Add(time.Second)),
		fetchDone("premium-a", progress.TierPremium, progress.OutcomeRejected, 10, now),
		{TS: now, Stage: progress.StageItemCompleted, ItemID: "i1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.upserts, 2)
	direct := repo.upserts[0]
	require.Equal(t, "direct", direct.Provider)
	require.EqualValues(t, 2, direct.Attempts)
	require.EqualValues(t, 150, direct.BytesTotal)
	require.EqualValues(t, 300, direct.DurationMs)
	require.Equal(t, now.Add(time.Second), direct.LastUpdate)
	require.Equal(t, "rejected", repo.upserts[1].Outcome)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeStatsRepo{err: errors.New("db down")}, zap.NewNop())
	err := sink.Consume(context.Background(), []progress.Event{
		fetchDone("direct", progress.TierRace, progress.OutcomeOK, 1, time.Now()),
	})
	require.ErrorContains(t, err, "db down")
	require.NoError(t, sink.Close(context.Background()))
}

func TestNotifySinkPublishesJobDone(t *testing.T) {
	t.Parallel()

	pub := memory.NewPublisher()
	sink := NewNotifySink(pub, "enrichment-jobs", nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TS: now, Stage: progress.StageItemCompleted, ItemID: "i1"},
		{TS: now, Stage: progress.StageJobDone, JobID: "job-1", Count: 4, Failed: 1},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "enrichment-jobs", msgs[0].Topic)
	note, ok := msgs[0].Payload.(JobNotification)
	require.True(t, ok)
	require.Equal(t, "job-1", note.JobID)
	require.Equal(t, 4, note.CompletedItems)
	require.Equal(t, 1, note.FailedItems)
}

func TestLogSinkConsume(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		fetchDone("direct", progress.TierRace, progress.OutcomeOK, 1, time.Now()),
		{TS: time.Now(), Stage: progress.StageClassifyDone, Domain: "a", Cost: 0.1, Note: "n"},
	}))
	require.NoError(t, sink.Close(context.Background()))
}

type fakeStatsRepo struct {
	mu      sync.Mutex
	upserts []store.ProviderStats
	err     error
}

func (f *fakeStatsRepo) UpsertProviderStats(_ context.Context, delta store.ProviderStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, delta)
	return nil
}

func (f *fakeStatsRepo) ListProviderStats(context.Context) ([]store.ProviderStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ProviderStats(nil), f.upserts...), nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/archive"
	"github.com/JakeFAU/lead-enricher/internal/classifier"
	"github.com/JakeFAU/lead-enricher/internal/digest"
	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/fetcher"
	"github.com/JakeFAU/lead-enricher/internal/hash/sha256"
	"github.com/JakeFAU/lead-enricher/internal/progress"
	"github.com/JakeFAU/lead-enricher/internal/retry"
	"github.com/JakeFAU/lead-enricher/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const acmePage = `<html><head><title>Acme Legal</title></head>
<body><h1>Acme Legal Services</h1><p>We help companies with contracts and compliance.</p></body></html>`

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []string
	pages  map[string]fetcher.Page
	errors map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain := enrich.DomainKey(req.Website)
	f.calls = append(f.calls, domain)
	if err := f.errors[domain]; err != nil {
		return fetcher.Page{}, err
	}
	if page, ok := f.pages[domain]; ok {
		return page, nil
	}
	return fetcher.Page{}, enrich.E(enrich.KindTransientNetwork, "fetch", fmt.Errorf("no page for %s", domain))
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClassifier struct {
	mu      sync.Mutex
	digests []string
	result  classifier.Result
	err     error
	// panics makes Classify panic with this value.
	panics any
}

func (c *fakeClassifier) Classify(_ context.Context, req classifier.Request) (classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digests = append(c.digests, req.Digest)
	if c.panics != nil {
		panic(c.panics)
	}
	return c.result, c.err
}

func (c *fakeClassifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.digests)
}

type contactSeed struct {
	id       string
	website  string
	attempts int
}

type harness struct {
	store      *memory.Store
	fetcher    *fakeFetcher
	classifier *fakeClassifier
	blobs      *memory.BlobStore
	events     *progress.Recorder
	proc       *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		fetcher: &fakeFetcher{pages: map[string]fetcher.Page{}, errors: map[string]error{}},
		classifier: &fakeClassifier{result: classifier.Result{
			Classification: "Legal Services", Confidence: 8, Reasoning: "law firm", Cost: 0.0021,
		}},
		blobs:  memory.NewBlobStore(),
		events: &progress.Recorder{},
	}
	proc, err := New(Config{FetchConcurrency: 4, ClassifyConcurrency: 2}, Deps{
		Store:      h.store,
		Fetcher:    h.fetcher,
		Classifier: h.classifier,
		Digest:     digest.NewBuilder(0, 0),
		Archive:    archive.New(h.blobs, sha256.New(), zap.NewNop()),
		Policy:     retry.Policy{MaxRetries: 3, BaseDelay: 30 * time.Second},
		Clock:      fakeClock{now: testNow},
		Emitter:    h.events,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	h.proc = proc
	return h
}

func (h *harness) seed(t *testing.T, jobID string, contacts ...contactSeed) []enrich.ClaimedItem {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, enrich.Job{ID: jobID, Status: enrich.JobStatusPending, CreatedAt: testNow}))
	items := make([]enrich.JobItem, 0, len(contacts))
	for i, c := range contacts {
		h.store.PutContact(enrich.Contact{ID: c.id, Email: c.id + "@mail.test", CompanyWebsite: c.website})
		items = append(items, enrich.JobItem{
			ID:           fmt.Sprintf("%s-item-%d", jobID, i),
			JobID:        jobID,
			ContactID:    c.id,
			AttemptCount: c.attempts,
			CreatedAt:    testNow.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, h.store.InsertItems(ctx, items))
	require.NoError(t, h.store.SetJobTotal(ctx, jobID, len(items)))
	claimed, err := h.store.Claim(ctx, 200, testNow)
	require.NoError(t, err)
	return claimed
}

func TestProcessChunkDomainCacheHit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.PutEnrichment(enrich.Enrichment{
		ContactID: "old", Domain: "bar.test", Status: enrich.EnrichmentCompleted,
		Classification: "Legal Services", Confidence: 9, Reasoning: "prior", ProcessedAt: testNow.Add(-time.Hour),
	})
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "https://www.bar.test/about"})

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.CacheHits)
	require.Zero(t, summary.Cost)
	require.Zero(t, h.fetcher.count())
	require.Zero(t, h.classifier.count())

	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusCompleted, item.Status)
	e, ok := h.store.Enrichment("c1")
	require.True(t, ok)
	require.Equal(t, "Legal Services", e.Classification)
	require.Equal(t, 9, e.Confidence)
	require.Zero(t, e.Cost)
	require.Len(t, h.events.ByStage(progress.StageCacheHit), 1)
}

func TestProcessChunkFetchesClassifiesAndCompletesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Domain: "acme.test", Body: []byte(acmePage)}
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test"})

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, []string{"job-1"}, summary.JobsCompleted)
	require.InDelta(t, 0.0021, summary.Cost, 1e-9)

	require.Len(t, h.classifier.digests, 1)
	require.Contains(t, h.classifier.digests[0], "Title: Acme Legal")

	c, _ := h.store.Contact("c1")
	require.Equal(t, "Legal Services", c.Industry)
	e, _ := h.store.Enrichment("c1")
	require.Equal(t, enrich.EnrichmentCompleted, e.Status)
	require.Equal(t, "acme.test", e.Domain)
	require.Contains(t, e.Content, "H1: Acme Legal Services")

	digests, err := h.store.LoadDigestCache(context.Background(), []string{"acme.test"})
	require.NoError(t, err)
	require.Contains(t, digests["acme.test"], "URL: https://acme.test")
	require.Len(t, h.blobs.Paths(), 1)

	job, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, enrich.JobStatusCompleted, job.Status)
	done := h.events.ByStage(progress.StageJobDone)
	require.Len(t, done, 1)
	require.Equal(t, 1, done[0].Count)
}

func TestProcessChunkDNSFailureIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.errors["doesnotexist.invalid"] = enrich.E(enrich.KindTerminalResolution, "dns", errors.New("no such host"))
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "doesnotexist.invalid"})

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, h.classifier.count())

	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusFailed, item.Status)
	require.Zero(t, item.AttemptCount)
	require.Contains(t, item.ErrorMessage, "no such host")
	e, _ := h.store.Enrichment("c1")
	require.Equal(t, enrich.ErrorClassification, e.Classification)
	require.Equal(t, enrich.EnrichmentFailed, e.Status)
}

func TestProcessChunkSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Body: []byte(acmePage)}
	h.classifier.err = enrich.E(enrich.KindClassifierTransport, "classify", errors.New("status 502"))
	h.classifier.result = classifier.Result{Classification: enrich.ErrorClassification, Confidence: 1}
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test", attempts: 1})

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Retried)

	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusRetrying, item.Status)
	require.Equal(t, 2, item.AttemptCount)
	require.NotNil(t, item.NextRetryAt)
	require.Equal(t, testNow.Add(60*time.Second), *item.NextRetryAt)
	require.Nil(t, item.LockedAt)
	_, ok := h.store.Enrichment("c1")
	require.False(t, ok)
	require.Len(t, h.events.ByStage(progress.StageItemRetry), 1)
}

func TestProcessChunkClassifierPanicSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Body: []byte(acmePage)}
	h.fetcher.pages["other.test"] = fetcher.Page{URL: "https://other.test", Body: []byte(acmePage)}
	h.classifier.panics = "nil map write"
	claimed := h.seed(t, "job-1",
		contactSeed{id: "c1", website: "acme.test"},
		contactSeed{id: "c2", website: "other.test"},
	)

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Retried)
	for _, id := range []string{"job-1-item-0", "job-1-item-1"} {
		item, _ := h.store.Item(id)
		require.Equal(t, enrich.ItemStatusRetrying, item.Status)
		require.Contains(t, item.ErrorMessage, "panic: nil map write")
	}

	// Both groups released their classify slot despite the panic.
	h.classifier.panics = nil
	claimed = h.seed(t, "job-2", contactSeed{id: "c3", website: "third.test"})
	h.fetcher.pages["third.test"] = fetcher.Page{URL: "https://third.test", Body: []byte(acmePage)}
	summary, err = h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
}

func TestProcessChunkExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.errors["acme.test"] = enrich.E(enrich.KindTransientNetwork, "fetch", errors.New("timeout"))
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test", attempts: 3})

	_, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusFailed, item.Status)
	require.Equal(t, 3, item.AttemptCount)
	require.NotNil(t, item.FinishedAt)
}

func TestProcessChunkGroupsDuplicateDomains(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Body: []byte(acmePage)}
	claimed := h.seed(t, "job-1",
		contactSeed{id: "c1", website: "acme.test"},
		contactSeed{id: "c2", website: "https://www.acme.test/contact"},
		contactSeed{id: "c3", website: "http://ACME.test"},
	)

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 1, h.fetcher.count())
	require.Equal(t, 1, h.classifier.count())

	var total float64
	for _, id := range []string{"c1", "c2", "c3"} {
		e, ok := h.store.Enrichment(id)
		require.True(t, ok)
		require.Equal(t, "Legal Services", e.Classification)
		total += e.Cost
	}
	require.InDelta(t, 0.0021, total, 1e-9)
	e1, _ := h.store.Enrichment("c1")
	require.InDelta(t, 0.0021, e1.Cost, 1e-9)
}

func TestProcessChunkUsesDigestCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.PutDomainContent(enrich.DomainContent{Domain: "acme.test", Digest: "URL: https://acme.test\nTitle: cached", FetchedAt: testNow})
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test"})

	_, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Zero(t, h.fetcher.count())
	require.Equal(t, []string{"URL: https://acme.test\nTitle: cached"}, h.classifier.digests)
	require.Empty(t, h.blobs.Paths())
}

func TestProcessChunkMissingWebsite(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "  "}, contactSeed{id: "c2", website: ""})

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Failed)
	require.Zero(t, h.fetcher.count())

	job, _ := h.store.GetJob(context.Background(), "job-1")
	require.Equal(t, 2, job.FailedItems)
	require.Equal(t, enrich.JobStatusCompleted, job.Status)
}

func TestProcessChunkCacheLoadFailureStillProcesses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Body: []byte(acmePage)}
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test"})
	h.store.FailOn("LoadDomainCache", errors.New("db down"))
	h.store.FailOn("LoadDigestCache", errors.New("db down"))

	summary, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
}

func TestProcessChunkStoreWriteFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.pages["acme.test"] = fetcher.Page{URL: "https://acme.test", Body: []byte(acmePage)}
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test"})
	h.store.FailOn("ApplyResults", errors.New("db down"))

	_, err := h.proc.ProcessChunk(context.Background(), claimed)
	require.Error(t, err)
	require.Equal(t, enrich.KindStore, enrich.KindOf(err))
	require.Empty(t, h.events.ByStage(progress.StageItemCompleted))

	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusProcessing, item.Status)
}

func TestProcessChunkCanceledLeavesItemsForRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.errors["acme.test"] = context.Canceled
	claimed := h.seed(t, "job-1", contactSeed{id: "c1", website: "acme.test"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.proc.ProcessChunk(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Abandoned)

	item, _ := h.store.Item("job-1-item-0")
	require.Equal(t, enrich.ItemStatusProcessing, item.Status)
	require.Zero(t, item.AttemptCount)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

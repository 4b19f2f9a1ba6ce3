// Package worker processes claimed chunks: it builds the per-chunk caches,
// runs fetch and classify for every domain under two concurrency limits, and
// writes the aggregated outcome back to the store in one batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/lead-enricher/internal/classifier"
	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/fetcher"
	"github.com/JakeFAU/lead-enricher/internal/progress"
	"github.com/JakeFAU/lead-enricher/internal/retry"
)

const (
	defaultFetchConcurrency    = 50
	defaultClassifyConcurrency = 10
	defaultCacheMinConfidence  = 7
	defaultWriteTimeout        = 30 * time.Second
)

// Config controls chunk processing.
type Config struct {
	FetchConcurrency    int
	ClassifyConcurrency int
	// CacheMinConfidence is the lowest stored confidence reused from the domain cache.
	CacheMinConfidence int
	// WriteTimeout bounds the final batch write, which runs even after ctx is canceled.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaultFetchConcurrency
	}
	if c.ClassifyConcurrency <= 0 {
		c.ClassifyConcurrency = defaultClassifyConcurrency
	}
	if c.CacheMinConfidence <= 0 {
		c.CacheMinConfidence = defaultCacheMinConfidence
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Fetcher retrieves a validated page for a website.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error)
}

// Classifier turns a digest into an industry label.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Result, error)
}

// DigestBuilder converts raw HTML into classifier input.
type DigestBuilder interface {
	Build(pageURL string, raw []byte) (string, error)
}

// Archiver keeps a copy of fetched pages.
type Archiver interface {
	Store(ctx context.Context, domain string, body []byte) (string, error)
}

// Deps are the collaborators of a Processor. Archive, Emitter, Clock, Logger
// and Tracer are optional.
type Deps struct {
	Store      enrich.ChunkStore
	Fetcher    Fetcher
	Classifier Classifier
	Digest     DigestBuilder
	Archive    Archiver
	Policy     retry.Policy
	Clock      enrich.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Summary describes one processed chunk.
type Summary struct {
	Items     int
	Completed int
	Retried   int
	Failed    int
	Abandoned int
	CacheHits int
	Cost      float64
	// JobsCompleted lists jobs that reached completed with this chunk.
	JobsCompleted []string
}

// Processor executes claimed chunks.
type Processor struct {
	cfg      Config
	deps     Deps
	fetchSem *semaphore.Weighted
	classSem *semaphore.Weighted
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Processor.
func New(cfg Config, deps Deps) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if deps.Fetcher == nil || deps.Classifier == nil || deps.Digest == nil {
		return nil, errors.New("worker: fetcher, classifier and digest builder are required")
	}
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/lead-enricher/internal/worker")
	}
	if deps.Policy.MaxRetries == 0 && deps.Policy.BaseDelay == 0 {
		deps.Policy = retry.DefaultPolicy()
	}
	return &Processor{
		cfg:      cfg,
		deps:     deps,
		fetchSem: semaphore.NewWeighted(int64(cfg.FetchConcurrency)),
		classSem: semaphore.NewWeighted(int64(cfg.ClassifyConcurrency)),
	}, nil
}

// ProcessChunk runs every claimed item to an outcome and persists the results.
// Per-item failures never surface here; only the final store write can fail.
func (p *Processor) ProcessChunk(ctx context.Context, items []enrich.ClaimedItem) (Summary, error) {
	if len(items) == 0 {
		return Summary{}, nil
	}
	start := time.Now()
	ctx, span := p.deps.Tracer.Start(ctx, "worker.ProcessChunk",
		trace.WithAttributes(attribute.Int("chunk.items", len(items))))
	defer span.End()

	p.deps.Emitter.Emit(progress.Event{Stage: progress.StageChunkClaimed, Count: len(items)})

	groups := groupByDomain(items)
	caches := p.buildCaches(ctx, groups)

	results := make([]groupResult, len(groups))
	var g errgroup.Group
	for i := range groups {
		g.Go(func() error {
			results[i] = p.runGroupSafe(ctx, groups[i], caches)
			return nil
		})
	}
	_ = g.Wait()

	now := p.deps.Clock.Now()
	rs, summary, events := p.aggregate(groups, results, now)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
	defer cancel()
	jobs, err := p.deps.Store.ApplyResults(writeCtx, rs, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply results")
		return summary, fmt.Errorf("apply chunk results: %w", enrich.E(enrich.KindStore, "apply_results", err))
	}
	for _, evt := range events {
		p.deps.Emitter.Emit(evt)
	}
	for _, j := range jobs {
		if j.Status != enrich.JobStatusCompleted {
			continue
		}
		summary.JobsCompleted = append(summary.JobsCompleted, j.JobID)
		p.deps.Emitter.Emit(progress.Event{
			Stage:  progress.StageJobDone,
			JobID:  j.JobID,
			Count:  j.CompletedItems,
			Failed: j.FailedItems,
		})
		p.deps.Logger.Info("job completed",
			zap.String("job_id", j.JobID),
			zap.Int("completed", j.CompletedItems),
			zap.Int("failed", j.FailedItems),
		)
	}

	p.deps.Emitter.Emit(progress.Event{
		Stage:  progress.StageChunkDone,
		Count:  summary.Completed,
		Failed: summary.Failed,
		Cost:   summary.Cost,
		Dur:    time.Since(start),
	})
	span.SetAttributes(
		attribute.Int("chunk.completed", summary.Completed),
		attribute.Int("chunk.failed", summary.Failed),
		attribute.Int("chunk.retried", summary.Retried),
		attribute.Int("chunk.cache_hits", summary.CacheHits),
	)
	return summary, nil
}

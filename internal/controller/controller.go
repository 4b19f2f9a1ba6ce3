// Package controller drives the claim and process loop and recovers work
// orphaned by a crash.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/metrics"
	"github.com/JakeFAU/lead-enricher/internal/worker"
)

const (
	defaultChunkSize     = 200
	defaultPollInterval  = 2 * time.Second
	defaultYieldInterval = 50 * time.Millisecond
	defaultErrorBackoff  = 5 * time.Second
)

// Config controls the poll loop.
type Config struct {
	ChunkSize     int
	PollInterval  time.Duration
	YieldInterval time.Duration
	ErrorBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.YieldInterval <= 0 {
		c.YieldInterval = defaultYieldInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	return c
}

// Store is the part of the store the controller needs.
type Store interface {
	Claim(ctx context.Context, limit int, now time.Time) ([]enrich.ClaimedItem, error)
	enrich.RecoveryStore
}

// ChunkProcessor runs a claimed chunk to completion.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, items []enrich.ClaimedItem) (worker.Summary, error)
}

// Status is a snapshot of the controller.
type Status struct {
	Running     bool      `json:"running"`
	Stopping    bool      `json:"stopping"`
	Chunks      int64     `json:"chunks"`
	Items       int64     `json:"items"`
	LastError   string    `json:"last_error,omitempty"`
	LastChunkAt time.Time `json:"last_chunk_at,omitzero"`
}

// RecoveryReport describes a RecoverStaleJobs run.
type RecoveryReport struct {
	Reset   int  `json:"reset"`
	Active  bool `json:"active"`
	Started bool `json:"started"`
}

// Controller owns a single poll loop. All state lives on the instance.
type Controller struct {
	cfg    Config
	store  Store
	proc   ChunkProcessor
	clock  enrich.Clock
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	done     chan struct{}
	wake     chan struct{}
	lastErr  string
	lastAt   time.Time

	chunks atomic.Int64
	items  atomic.Int64
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New constructs a stopped Controller.
func New(cfg Config, store Store, proc ChunkProcessor, clock enrich.Clock, logger *zap.Logger) *Controller {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		cfg:    cfg.withDefaults(),
		store:  store,
		proc:   proc,
		clock:  clock,
		logger: logger,
		done:   done,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the loop under ctx, which should outlive the caller's
// request. It returns false when the loop is already running; a pending Stop
// is withdrawn in that case.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.stopping = false
		return false
	}
	c.running = true
	c.stopping = false
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	metrics.SetControllerRunning(true)
	c.logger.Info("controller started")
	return true
}

// Stop asks the loop to exit before it claims its next chunk. An in-flight
// chunk always finishes. It returns false when the loop was not running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.stopping = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.logger.Info("controller stop requested")
	return true
}

// Done returns a channel closed once the current loop has exited.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the loop exits or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for controller: %w", ctx.Err())
	}
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns a snapshot of the loop state and counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:     c.running,
		Stopping:    c.stopping,
		Chunks:      c.chunks.Load(),
		Items:       c.items.Load(),
		LastError:   c.lastErr,
		LastChunkAt: c.lastAt,
	}
}

// RunOnce claims one chunk and processes it. It returns the number of items claimed.
func (c *Controller) RunOnce(ctx context.Context) (int, error) {
	items, err := c.store.Claim(ctx, c.cfg.ChunkSize, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("claim chunk: %w", enrich.E(enrich.KindStore, "claim", err))
	}
	if len(items) == 0 {
		return 0, nil
	}
	summary, err := c.proc.ProcessChunk(ctx, items)
	c.chunks.Add(1)
	c.items.Add(int64(len(items)))
	c.mu.Lock()
	c.lastAt = c.clock.Now()
	c.mu.Unlock()
	if err != nil {
		return len(items), fmt.Errorf("process chunk: %w", err)
	}
	c.logger.Debug("chunk processed",
		zap.Int("items", summary.Items),
		zap.Int("completed", summary.Completed),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Float64("cost", summary.Cost),
	)
	return len(items), nil
}

// RecoverStaleJobs resets items left processing by a previous run and starts
// the loop when any job still has work.
func (c *Controller) RecoverStaleJobs(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	n, err := c.store.RecoverStale(ctx)
	if err != nil {
		return report, fmt.Errorf("recover stale items: %w", err)
	}
	report.Reset = n
	active, err := c.store.HasActiveJobs(ctx)
	if err != nil {
		return report, fmt.Errorf("check active jobs: %w", err)
	}
	report.Active = active
	if active {
		report.Started = c.Start(ctx)
	}
	c.logger.Info("stale jobs recovered",
		zap.Int("reset_items", report.Reset),
		zap.Bool("active_jobs", report.Active),
		zap.Bool("started", report.Started),
	)
	return report, nil
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer c.logger.Info("controller stopped")
	for {
		if c.exitIfStopped(ctx, done) {
			return
		}
		n, err := c.runOnceSafe(ctx)
		wait := c.cfg.YieldInterval
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}
			c.logger.Error("controller iteration failed", zap.Error(err))
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			wait = c.cfg.ErrorBackoff
		case n == 0:
			wait = c.cfg.PollInterval
		}
		c.sleep(ctx, wait)
	}
}

// exitIfStopped decides under one lock whether the loop ends, so a Start
// that withdraws the stop either lands before the check or sees the loop gone.
func (c *Controller) exitIfStopped(ctx context.Context, done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopping && ctx.Err() == nil {
		return false
	}
	c.running = false
	c.stopping = false
	metrics.SetControllerRunning(false)
	close(done)
	return true
}

// runOnceSafe converts a panic in one iteration into an error for the backoff path.
func (c *Controller) runOnceSafe(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("controller iteration panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("controller iteration panicked: %v", r)
		}
	}()
	return c.RunOnce(ctx)
}

// sleep waits for d, a Stop, or ctx.
func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer.C:
	}
}

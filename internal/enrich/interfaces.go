package enrich

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a job or contact does not exist.
var ErrNotFound = errors.New("not found")

// ChunkStore serves the claim, cache, and aggregation steps of the pipeline.
type ChunkStore interface {
	// Claim atomically flips up to limit eligible items to processing.
	Claim(ctx context.Context, limit int, now time.Time) ([]ClaimedItem, error)
	// LoadDomainCache returns reusable classifications keyed by domain.
	LoadDomainCache(ctx context.Context, domains []string, minConfidence int) (map[string]CachedClassification, error)
	// LoadDigestCache returns stored page digests keyed by domain.
	LoadDigestCache(ctx context.Context, domains []string) (map[string]string, error)
	// ApplyResults persists a chunk's write set and returns the touched jobs.
	ApplyResults(ctx context.Context, results ResultSet, now time.Time) ([]JobProgress, error)
}

// JobStore creates and reads jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	InsertItems(ctx context.Context, items []JobItem) error
	SetJobTotal(ctx context.Context, jobID string, total int) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// RecoveryStore supports crash recovery.
type RecoveryStore interface {
	// RecoverStale resets processing items to pending and returns how many moved.
	RecoverStale(ctx context.Context) (int, error)
	// HasActiveJobs reports whether any job is pending or processing.
	HasActiveJobs(ctx context.Context) (bool, error)
}

// Store is the full persistence contract.
type Store interface {
	ChunkStore
	JobStore
	RecoveryStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and item IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package store

import (
	"context"
	"time"
)

// ProviderStats aggregates fetch attempts for one provider, tier, and outcome.
type ProviderStats struct {
	Provider   string    `json:"provider"`
	Tier       int       `json:"tier"`
	Outcome    string    `json:"outcome"`
	Attempts   int64     `json:"attempts"`
	BytesTotal int64     `json:"bytes_total"`
	DurationMs int64     `json:"duration_ms"`
	LastUpdate time.Time `json:"last_update"`
}

// StatsRepository persists provider statistics.
type StatsRepository interface {
	// UpsertProviderStats adds the deltas to the row keyed by provider, tier, and outcome.
	UpsertProviderStats(ctx context.Context, delta ProviderStats) error
	// ListProviderStats returns every row ordered by provider, tier, and outcome.
	ListProviderStats(ctx context.Context) ([]ProviderStats, error)
}

package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/progress"
	"github.com/JakeFAU/lead-enricher/internal/store"
)

// StoreSink collapses FETCH_DONE events per provider, tier, and outcome and
// persists the deltas through a store.StatsRepository.
type StoreSink struct {
	repo   store.StatsRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.StatsRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type statsKey struct {
	provider string
	tier     int
	outcome  string
}

// Consume aggregates the batch and writes one upsert per key.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[statsKey]*store.ProviderStats)
	order := make([]statsKey, 0)
	for _, evt := range batch {
		if evt.Stage != progress.StageFetchDone {
			continue
		}
		key := statsKey{provider: evt.Provider, tier: evt.Tier, outcome: string(evt.Outcome)}
		d := deltas[key]
		if d == nil {
			d = &store.ProviderStats{Provider: key.provider, Tier: key.tier, Outcome: key.outcome}
			deltas[key] = d
			order = append(order, key)
		}
		d.Attempts++
		d.BytesTotal += evt.Bytes
		d.DurationMs += evt.Dur.Milliseconds()
		if evt.TS.After(d.LastUpdate) {
			d.LastUpdate = evt.TS
		}
	}
	for _, key := range order {
		if err := s.repo.UpsertProviderStats(ctx, *deltas[key]); err != nil {
			return fmt.Errorf("upsert provider stats: %w", err)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/lead-enricher/internal/store"
)

// UpsertProviderStats implements store.StatsRepository.
func (s *Store) UpsertProviderStats(ctx context.Context, d store.ProviderStats) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO fetch_provider_stats (provider, tier, outcome, attempts, bytes_total, duration_ms, last_update)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider, tier, outcome) DO UPDATE SET
	attempts = fetch_provider_stats.attempts + EXCLUDED.attempts,
	bytes_total = fetch_provider_stats.bytes_total + EXCLUDED.bytes_total,
	duration_ms = fetch_provider_stats.duration_ms + EXCLUDED.duration_ms,
	last_update = GREATEST(fetch_provider_stats.last_update, EXCLUDED.last_update)`,
		d.Provider, d.Tier, d.Outcome, d.Attempts, d.BytesTotal, d.DurationMs, d.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("upsert provider stats: %w", err)
	}
	return nil
}

// ListProviderStats implements store.StatsRepository.
func (s *Store) ListProviderStats(ctx context.Context) ([]store.ProviderStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT provider, tier, outcome, attempts, bytes_total, duration_ms, last_update
FROM fetch_provider_stats
ORDER BY provider, tier, outcome`)
	if err != nil {
		return nil, fmt.Errorf("list provider stats: %w", err)
	}
	defer rows.Close()

	var out []store.ProviderStats
	for rows.Next() {
		var st store.ProviderStats
		if err := rows.Scan(&st.Provider, &st.Tier, &st.Outcome, &st.Attempts, &st.BytesTotal, &st.DurationMs, &st.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan provider stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider stats: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

const insertItemsSQL = `
INSERT INTO job_items (id, job_id, contact_id, status, attempt_count, created_at)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[], $6::timestamptz[])`

// CreateJob implements enrich.JobStore.
func (s *Store) CreateJob(ctx context.Context, job enrich.Job) error {
	status := job.Status
	if status == "" {
		status = enrich.JobStatusPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, total_items, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, string(status), job.TotalItems, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertItems implements enrich.JobStore in a single statement.
func (s *Store) InsertItems(ctx context.Context, items []enrich.JobItem) error {
	if len(items) == 0 {
		return nil
	}
	var (
		ids      = make([]string, len(items))
		jobIDs   = make([]string, len(items))
		contacts = make([]string, len(items))
		statuses = make([]string, len(items))
		attempts = make([]int32, len(items))
		created  = make([]time.Time, len(items))
	)
	for i, it := range items {
		status := it.Status
		if status == "" {
			status = enrich.ItemStatusPending
		}
		ids[i] = it.ID
		jobIDs[i] = it.JobID
		contacts[i] = it.ContactID
		statuses[i] = string(status)
		attempts[i] = int32(it.AttemptCount) // #nosec G115 -- new items start at zero attempts.
		created[i] = it.CreatedAt
	}
	if _, err := s.pool.Exec(ctx, insertItemsSQL, ids, jobIDs, contacts, statuses, attempts, created); err != nil {
		return fmt.Errorf("insert job items: %w", err)
	}
	return nil
}

// SetJobTotal implements enrich.JobStore.
func (s *Store) SetJobTotal(ctx context.Context, jobID string, total int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET total_items = $2 WHERE id = $1`, jobID, total)
	if err != nil {
		return fmt.Errorf("set job total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, enrich.ErrNotFound)
	}
	return nil
}

// GetJob implements enrich.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (enrich.Job, error) {
	var (
		job    enrich.Job
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, status, total_items, completed_items, failed_items, created_at, started_at, finished_at
FROM jobs WHERE id = $1`, jobID).Scan(
		&job.ID, &status, &job.TotalItems, &job.CompletedItems, &job.FailedItems,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return enrich.Job{}, fmt.Errorf("job %s: %w", jobID, enrich.ErrNotFound)
		}
		return enrich.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = enrich.JobStatus(status)
	return job, nil
}

// RecoverStale implements enrich.RecoveryStore.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_items SET status = 'pending', locked_at = NULL WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("recover stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HasActiveJobs implements enrich.RecoveryStore.
func (s *Store) HasActiveJobs(ctx context.Context) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE status IN ('pending', 'processing'))`).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active jobs: %w", err)
	}
	return active, nil
}

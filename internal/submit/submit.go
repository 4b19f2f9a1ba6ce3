// Package submit turns a list of contact IDs into a job and its items.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

const defaultChunkSize = 500

// ErrNoContacts is returned when a submission carries no usable contact IDs.
var ErrNoContacts = errors.New("no contact ids submitted")

// ChunkFailure records one insert batch that could not be written.
type ChunkFailure struct {
	Index      int      `json:"index"`
	Size       int      `json:"size"`
	ContactIDs []string `json:"contact_ids"`
	Error      string   `json:"error"`
}

// Report summarizes a submission.
type Report struct {
	JobID     string         `json:"job_id"`
	Requested int            `json:"requested"`
	Inserted  int            `json:"inserted"`
	Failures  []ChunkFailure `json:"failures,omitempty"`
}

// Submitter creates jobs.
type Submitter struct {
	store     enrich.JobStore
	ids       enrich.IDGenerator
	clock     enrich.Clock
	logger    *zap.Logger
	chunkSize int
}

// New constructs a Submitter. chunkSize bounds each insert batch.
func New(store enrich.JobStore, ids enrich.IDGenerator, clock enrich.Clock, logger *zap.Logger, chunkSize int) *Submitter {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{store: store, ids: ids, clock: clock, logger: logger, chunkSize: chunkSize}
}

// Submit creates one job with an item per distinct contact. Batches that fail
// to insert are reported and the job total is set to the inserted count. It
// returns an error only when the job itself cannot be created or no item was
// inserted.
func (s *Submitter) Submit(ctx context.Context, contactIDs []string) (Report, error) {
	contacts := distinct(contactIDs)
	report := Report{Requested: len(contacts)}
	if len(contacts) == 0 {
		return report, enrich.E(enrich.KindValidation, "submit", ErrNoContacts)
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return report, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	if err := s.store.CreateJob(ctx, enrich.Job{
		ID:         jobID,
		Status:     enrich.JobStatusPending,
		TotalItems: len(contacts),
		CreatedAt:  now,
	}); err != nil {
		return report, fmt.Errorf("create job: %w", enrich.E(enrich.KindStore, "create_job", err))
	}
	report.JobID = jobID

	for idx, start := 0, 0; start < len(contacts); idx, start = idx+1, start+s.chunkSize {
		end := min(start+s.chunkSize, len(contacts))
		batch := contacts[start:end]
		items, err := s.buildItems(jobID, batch, now)
		if err == nil {
			err = s.store.InsertItems(ctx, items)
		}
		if err != nil {
			s.logger.Warn("insert chunk failed",
				zap.String("job_id", jobID),
				zap.Int("chunk", idx),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
			report.Failures = append(report.Failures, ChunkFailure{
				Index:      idx,
				Size:       len(batch),
				ContactIDs: batch,
				Error:      err.Error(),
			})
			continue
		}
		report.Inserted += len(batch)
	}

	if report.Inserted != len(contacts) {
		if err := s.store.SetJobTotal(ctx, jobID, report.Inserted); err != nil {
			return report, fmt.Errorf("adjust job total: %w", enrich.E(enrich.KindStore, "set_job_total", err))
		}
	}
	if report.Inserted == 0 {
		return report, enrich.E(enrich.KindStore, "submit", fmt.Errorf("job %s: no items inserted", jobID))
	}
	s.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.Int("requested", report.Requested),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed_chunks", len(report.Failures)),
	)
	return report, nil
}

func (s *Submitter) buildItems(jobID string, contacts []string, now time.Time) ([]enrich.JobItem, error) {
	items := make([]enrich.JobItem, 0, len(contacts))
	for _, cid := range contacts {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate item id: %w", err)
		}
		items = append(items, enrich.JobItem{
			ID:        id,
			JobID:     jobID,
			ContactID: cid,
			Status:    enrich.ItemStatusPending,
			CreatedAt: now,
		})
	}
	return items, nil
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

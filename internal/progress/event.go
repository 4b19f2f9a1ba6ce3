package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageChunkClaimed  Stage = "CHUNK_CLAIMED"
	StageChunkDone     Stage = "CHUNK_DONE"
	StageCacheHit      Stage = "CACHE_HIT"
	StageDNSFail       Stage = "DNS_FAIL"
	StageFetchAttempt  Stage = "FETCH_ATTEMPT"
	StageFetchDone     Stage = "FETCH_DONE"
	StageClassifyDone  Stage = "CLASSIFY_DONE"
	StageItemCompleted Stage = "ITEM_COMPLETED"
	StageItemRetry     Stage = "ITEM_RETRY"
	StageItemFailed    Stage = "ITEM_FAILED"
	StageJobDone       Stage = "JOB_DONE"
)

// Outcome summarizes a fetch attempt.
type Outcome string

// Fetch attempt outcomes.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
	OutcomeCanceled Outcome = "canceled"
)

// Fetch tiers.
const (
	TierRace    = 1
	TierPremium = 2
)

// Event is one structured pipeline milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS     time.Time
	Stage  Stage
	JobID  string
	ItemID string
	// Domain is the normalized host the event concerns.
	Domain   string
	Provider string
	Tier     int
	Outcome  Outcome
	Bytes    int64
	// Count carries item totals for chunk and job events.
	Count int
	// Failed carries the failed-item total on JOB_DONE.
	Failed int
	// Cost is the classifier spend in USD.
	Cost float64
	Dur  time.Duration
	// Note holds low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageChunkClaimed, StageChunkDone:
	case StageFetchAttempt, StageFetchDone:
		if e.Provider == "" {
			return fmt.Errorf("%s requires provider", e.Stage)
		}
		if e.Stage == StageFetchDone && e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageDNSFail, StageCacheHit, StageClassifyDone:
		if e.Domain == "" {
			return fmt.Errorf("%s requires domain", e.Stage)
		}
	case StageItemCompleted, StageItemRetry, StageItemFailed:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
	case StageJobDone:
		if e.JobID == "" {
			return errors.New("job done requires job id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

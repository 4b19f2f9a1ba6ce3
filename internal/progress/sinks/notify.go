package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/progress"
)

// JobNotification is the payload published when a job completes.
type JobNotification struct {
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	FinishedAt     time.Time `json:"finished_at"`
}

// NotifySink publishes a JobNotification for every JOB_DONE event.
type NotifySink struct {
	publisher enrich.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink builds a sink publishing to topic.
func NewNotifySink(publisher enrich.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per completed job.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StageJobDone {
			continue
		}
		msg := JobNotification{
			JobID:          evt.JobID,
			Status:         string(enrich.JobStatusCompleted),
			CompletedItems: evt.Count,
			FailedItems:    evt.Failed,
			FinishedAt:     evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish job %s: %w", evt.JobID, err)
		}
		s.logger.Info("job completion published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return nil
}

// Close implements progress.Sink.
func (s *NotifySink) Close(context.Context) error {
	return nil
}

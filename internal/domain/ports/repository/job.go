package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jukasdrj/jobstream/internal/domain/model"
)

// JobRepository stores durable job records and their full result payloads.
// Results stay retrievable for the retention window after a terminal state;
// EvictFinishedBefore enforces that window by discarding the payloads while
// keeping the records, so an expired result never reads as an unknown job.
type JobRepository interface {
	Save(ctx context.Context, rec *model.JobRecord) error
	Find(ctx context.Context, jobID string) (*model.JobRecord, error)
	SaveResult(ctx context.Context, jobID string, result json.RawMessage) error
	FindResult(ctx context.Context, jobID string) (json.RawMessage, error)
	EvictFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

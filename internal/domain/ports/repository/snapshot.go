package repository

import (
	"context"

	"github.com/jukasdrj/jobstream/internal/domain/model"
)

// SnapshotRepository persists the latest per-job status so a late-joining or
// reconnecting listener can resync even across a server restart. Entries
// expire on their own after the retention window.
type SnapshotRepository interface {
	Save(ctx context.Context, status *model.JobStatus) error
	Get(ctx context.Context, jobID string) (*model.JobStatus, error)
	Delete(ctx context.Context, jobID string) error
}

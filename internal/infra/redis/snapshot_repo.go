package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
)

var _ repository.SnapshotRepository = (*SnapshotRepo)(nil)

// SnapshotRepo keeps the latest per-job status in Redis so resync outlives
// both client disconnects and server restarts. Keys expire on their own at
// the retention TTL; no sweeper needed on this side.
type SnapshotRepo struct {
	client *Client
	ttl    time.Duration
}

func NewSnapshotRepo(client *Client, ttl time.Duration) *SnapshotRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotRepo{client: client, ttl: ttl}
}

func (s *SnapshotRepo) snapshotKey(jobID string) string {
	return fmt.Sprintf("job_snapshot:%s", jobID)
}

func (s *SnapshotRepo) Save(ctx context.Context, status *model.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.snapshotKey(status.Job.ID), data, s.ttl)
}

func (s *SnapshotRepo) Get(ctx context.Context, jobID string) (*model.JobStatus, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(jobID))
	if err != nil {
		if IsNil(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var status model.JobStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *SnapshotRepo) Delete(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.snapshotKey(jobID))
}

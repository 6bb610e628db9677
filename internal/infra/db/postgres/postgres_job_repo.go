package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

// jobRepo stores durable job records and their full result payloads. The
// broker snapshot in Redis answers live resync; these rows are what the
// polling and result-retrieval endpoints read after the broker is evicted.
// EvictFinishedBefore strips result payloads past the retention window but
// keeps the rows, so expiry stays distinguishable from an unknown job id.
type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

func (r *jobRepo) Save(ctx context.Context, rec *model.JobRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	var errCode, errMessage *string
	var errRetryable *bool
	if rec.Err != nil {
		errCode, errMessage, errRetryable = &rec.Err.Code, &rec.Err.Message, &rec.Err.Retryable
	}

	const q = `
INSERT INTO jobs (id, type, state, total_items, processed_items,
                  error_code, error_message, error_retryable,
                  created_at, updated_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  total_items = EXCLUDED.total_items,
  processed_items = EXCLUDED.processed_items,
  error_code = EXCLUDED.error_code,
  error_message = EXCLUDED.error_message,
  error_retryable = EXCLUDED.error_retryable,
  updated_at = EXCLUDED.updated_at,
  finished_at = EXCLUDED.finished_at;`

	_, err := r.pool.Exec(ctx, q,
		rec.Job.ID, rec.Job.Type, rec.State, rec.TotalItems, rec.ProcessedItems,
		errCode, errMessage, errRetryable,
		rec.Job.CreatedAt, rec.UpdatedAt, rec.FinishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22001" { // value too long
			return domain.ErrInvalidArgument
		}
		return err
	}
	return nil
}

func (r *jobRepo) Find(ctx context.Context, jobID string) (*model.JobRecord, error) {
	const q = `
SELECT id, type, state, total_items, processed_items,
       error_code, error_message, error_retryable,
       created_at, updated_at, finished_at
FROM jobs WHERE id = $1;`

	var rec model.JobRecord
	var errCode, errMessage *string
	var errRetryable *bool
	err := r.pool.QueryRow(ctx, q, jobID).Scan(
		&rec.Job.ID, &rec.Job.Type, &rec.State, &rec.TotalItems, &rec.ProcessedItems,
		&errCode, &errMessage, &errRetryable,
		&rec.Job.CreatedAt, &rec.UpdatedAt, &rec.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if errCode != nil {
		rec.Err = &model.JobError{Code: *errCode, Retryable: errRetryable != nil && *errRetryable}
		if errMessage != nil {
			rec.Err.Message = *errMessage
		}
	}
	return &rec, nil
}

func (r *jobRepo) SaveResult(ctx context.Context, jobID string, result json.RawMessage) error {
	const q = `UPDATE jobs SET result = $2, updated_at = $3 WHERE id = $1;`
	tag, err := r.pool.Exec(ctx, q, jobID, []byte(result), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepo) FindResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	const q = `SELECT result, finished_at FROM jobs WHERE id = $1;`
	var result []byte
	var finishedAt *time.Time
	err := r.pool.QueryRow(ctx, q, jobID).Scan(&result, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if result == nil {
		return nil, domain.ErrNotFound
	}
	return result, nil
}

// EvictFinishedBefore drops the result payloads of jobs past the retention
// window. The row itself stays as a tombstone: a caller asking for an evicted
// result must be told the window elapsed, not that the job never existed.
func (r *jobRepo) EvictFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
UPDATE jobs SET result = NULL, updated_at = $2
WHERE finished_at IS NOT NULL AND finished_at < $1 AND result IS NOT NULL;`
	tag, err := r.pool.Exec(ctx, q, cutoff, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

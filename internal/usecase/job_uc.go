package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/broker"
	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
	"github.com/jukasdrj/jobstream/internal/infra/worker"
)

// StartRequest is the boundary payload for beginning a job. The item list is
// opaque to this subsystem; only its length drives progress accounting.
type StartRequest struct {
	Type  model.JobType   `json:"type"`
	Items json.RawMessage `json:"items"` // handed to the processor unchanged
	Count int             `json:"count"` // expected item count
}

// StartResult tells the caller where to bind the progress channel.
type StartResult struct {
	Job         model.JobIdentifier `json:"job"`
	ChannelPath string              `json:"channelPath"` // primary push channel
	EventsPath  string              `json:"eventsPath"`  // text-event-stream fallback
	StatusPath  string              `json:"statusPath"`  // polling fallback
	ResultPath  string              `json:"resultPath"`  // result retrieval
}

// Processor performs one unit of business work for a job type. Implementations
// live outside this subsystem (CSV parsing, metadata enrichment, AI scanning);
// the use case only sequences them and reports their progress.
type Processor interface {
	// ProcessItem handles item i of n and returns a status line for the
	// progress stream and the item's result fragment.
	ProcessItem(ctx context.Context, jobType model.JobType, i, n int) (statusText string, result json.RawMessage, err error)
}

// BrokerRegistry is the slice of the broker registry the use case drives.
type BrokerRegistry interface {
	Create(job model.JobIdentifier) (*broker.Broker, error)
	Get(jobID string) (*broker.Broker, error)
	Release(jobID string)
}

type JobUseCase interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	Status(ctx context.Context, jobID string) (*model.JobStatus, error)
	Result(ctx context.Context, jobID string) (json.RawMessage, error)
	Cancel(ctx context.Context, jobID string) error
}

var _ JobUseCase = (*jobUC)(nil)

type jobUC struct {
	registry  BrokerRegistry
	jobs      repository.JobRepository
	snapshots repository.SnapshotRepository
	pool      *worker.Pool
	proc      Processor
	readyWait time.Duration
	log       *zerolog.Logger
}

func NewJobUseCase(
	registry BrokerRegistry,
	jobs repository.JobRepository,
	snapshots repository.SnapshotRepository,
	pool *worker.Pool,
	proc Processor,
	readyWait time.Duration,
	logger *zerolog.Logger,
) JobUseCase {
	return &jobUC{
		registry:  registry,
		jobs:      jobs,
		snapshots: snapshots,
		pool:      pool,
		proc:      proc,
		readyWait: readyWait,
		log:       logger,
	}
}

// Start creates the job identity and its broker, persists the queued record,
// and hands the runner to the pool. The runner will not emit business output
// until a listener signals ready or the grace wait elapses; the broker
// retains every snapshot, so even a never-observed job loses nothing.
func (u *jobUC) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, req.Type)
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: item count must be positive", domain.ErrInvalidArgument)
	}

	job := model.NewJobIdentifier(req.Type)
	b, err := u.registry.Create(job)
	if err != nil {
		return nil, fmt.Errorf("create broker: %w", err)
	}

	rec := &model.JobRecord{Job: job, State: model.JobStateQueued, TotalItems: req.Count}
	if err := u.jobs.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save job record: %w", err)
	}

	if err := u.pool.Submit(func(runCtx context.Context) error {
		return u.run(runCtx, b, req.Count)
	}); err != nil {
		_ = b.Fail(ctx, model.JobError{Code: domain.CodeJobFailed, Message: "job queue saturated", Retryable: true})
		u.registry.Release(job.ID)
		return nil, fmt.Errorf("submit job: %w", err)
	}
	metrics.JobStarted(string(req.Type))

	return &StartResult{
		Job:         job,
		ChannelPath: "/ws/jobs/" + job.ID,
		EventsPath:  "/api/v1/jobs/" + job.ID + "/events",
		StatusPath:  "/api/v1/jobs/" + job.ID,
		ResultPath:  "/api/v1/jobs/" + job.ID + "/result",
	}, nil
}

// run drives the broker through a whole job lifecycle.
func (u *jobUC) run(ctx context.Context, b *broker.Broker, total int) error {
	jobID := b.Job().ID

	// Every terminal exit schedules broker eviction, whichever transition got
	// there first; without this, failed and cancelled jobs would pin their
	// brokers in the registry for the life of the process.
	defer func() {
		if b.Status().State.Terminal() {
			u.registry.Release(jobID)
		}
	}()

	// Gate business output on the handshake. A fast job must not finish and
	// discard its output before any listener exists.
	select {
	case <-b.Ready():
	case <-time.After(u.readyWait):
		u.log.Debug().Str("job_id", jobID).Msg("no listener within grace, proceeding")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := b.Initialize(ctx, total); err != nil {
		return err
	}
	u.persist(ctx, b)

	results := make([]json.RawMessage, 0, total)
	failed := 0
	for i := 1; i <= total; i++ {
		if b.Status().State.Terminal() { // cancelled out from under us
			u.persist(ctx, b)
			return nil
		}
		statusText, fragment, err := u.proc.ProcessItem(ctx, b.Job().Type, i, total)
		if err != nil {
			if ctx.Err() != nil {
				ferr := b.Fail(ctx, model.JobError{Code: domain.CodeShutdown, Message: "processing interrupted", Retryable: true})
				u.persist(ctx, b)
				if ferr != nil && ferr != domain.ErrTerminalState {
					return ferr
				}
				return ctx.Err()
			}
			failed++
			statusText = fmt.Sprintf("item %d failed: %v", i, err)
		} else if fragment != nil {
			results = append(results, fragment)
		}
		if err := b.ReportProgress(ctx, i, statusText); err != nil {
			if err == domain.ErrTerminalState {
				u.persist(ctx, b)
				return nil
			}
			return err
		}
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := u.jobs.SaveResult(ctx, jobID, payload); err != nil {
		u.log.Error().Str("job_id", jobID).Err(err).Msg("result save failed")
	}

	summary := model.ResultSummary{
		TotalItems:     total,
		ProcessedItems: total,
		SucceededItems: total - failed,
		FailedItems:    failed,
		ResultRef:      "/api/v1/jobs/" + jobID + "/result",
	}
	if err := b.Complete(ctx, summary); err != nil && err != domain.ErrTerminalState {
		return err
	}
	u.persist(ctx, b)
	return nil
}

// persist mirrors the broker's current snapshot into the durable record.
func (u *jobUC) persist(ctx context.Context, b *broker.Broker) {
	st := b.Status()
	rec := &model.JobRecord{
		Job:   st.Job,
		State: st.State,
		Err:   st.Err,
	}
	if st.Progress != nil {
		rec.TotalItems = st.Progress.TotalItems
		rec.ProcessedItems = st.Progress.ProcessedItems
	}
	if st.Summary != nil {
		rec.TotalItems = st.Summary.TotalItems
		rec.ProcessedItems = st.Summary.ProcessedItems
	}
	if st.State.Terminal() {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
	if err := u.jobs.Save(ctx, rec); err != nil {
		u.log.Error().Str("job_id", st.Job.ID).Err(err).Msg("record save failed")
	}
}

// Status serves the polling fallback: the broker if live, then the persisted
// snapshot, then the durable record.
func (u *jobUC) Status(ctx context.Context, jobID string) (*model.JobStatus, error) {
	if b, err := u.registry.Get(jobID); err == nil {
		st := b.Status()
		return &st, nil
	}
	if st, err := u.snapshots.Get(ctx, jobID); err == nil {
		return st, nil
	}
	rec, err := u.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := rec.Status()
	return &st, nil
}

// Result serves the full result set while the retention window is open.
func (u *jobUC) Result(ctx context.Context, jobID string) (json.RawMessage, error) {
	rec, err := u.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.State != model.JobStateCompleted {
		return nil, domain.ErrNotFound
	}
	result, err := u.jobs.FindResult(ctx, jobID)
	if err != nil {
		// The record exists but its payload is gone: the retention sweeper
		// got here first.
		if err == domain.ErrNotFound {
			return nil, domain.ErrExpired
		}
		return nil, err
	}
	return result, nil
}

// Cancel is the only sanctioned early termination. Disconnected listeners do
// not land here; they merely detach.
func (u *jobUC) Cancel(ctx context.Context, jobID string) error {
	b, err := u.registry.Get(jobID)
	if err != nil {
		return err
	}
	if err := b.Cancel(ctx); err != nil {
		return err
	}
	u.persist(ctx, b)
	return nil
}

//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/broker"
	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/infra/worker"
	"github.com/jukasdrj/jobstream/internal/usecase"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// ---- mock repositories ----

type mockSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[string]model.JobStatus
}

func newMockSnapshotRepo() *mockSnapshotRepo {
	return &mockSnapshotRepo{snapshots: make(map[string]model.JobStatus)}
}

func (m *mockSnapshotRepo) Save(ctx context.Context, status *model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[status.Job.ID] = *status
	return nil
}

func (m *mockSnapshotRepo) Get(ctx context.Context, jobID string) (*model.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.snapshots[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &st, nil
}

func (m *mockSnapshotRepo) Delete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, jobID)
	return nil
}

type mockJobRepo struct {
	mu      sync.Mutex
	records map[string]model.JobRecord
	results map[string]json.RawMessage
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{
		records: make(map[string]model.JobRecord),
		results: make(map[string]json.RawMessage),
	}
}

func (m *mockJobRepo) Save(ctx context.Context, rec *model.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Job.ID] = *rec
	return nil
}

func (m *mockJobRepo) Find(ctx context.Context, jobID string) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *mockJobRepo) SaveResult(ctx context.Context, jobID string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[jobID] = result
	return nil
}

func (m *mockJobRepo) FindResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

// EvictFinishedBefore mirrors the repository contract: the payload goes, the
// record stays as a tombstone.
func (m *mockJobRepo) EvictFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.FinishedAt == nil || !rec.FinishedAt.Before(cutoff) {
			continue
		}
		if _, ok := m.results[id]; ok {
			delete(m.results, id)
			n++
		}
	}
	return n, nil
}

func (m *mockJobRepo) dropResult(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, jobID)
}

// ---- controllable processor ----

// stubProcessor blocks each item until released, so tests control how far a
// job has run.
type stubProcessor struct {
	release chan struct{} // one receive per item
	failAt  int           // item index that reports a failure, 0 for none
}

func (p *stubProcessor) ProcessItem(ctx context.Context, jobType model.JobType, i, n int) (string, json.RawMessage, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	if p.failAt != 0 && i == p.failAt {
		return "", nil, errors.New("item spoiled")
	}
	return fmt.Sprintf("item %d of %d", i, n), json.RawMessage(fmt.Sprintf(`{"item":%d}`, i)), nil
}

// ---- fixture ----

// releaseRecorder wraps the real registry and records which brokers were
// scheduled for eviction.
type releaseRecorder struct {
	*broker.Registry
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) Release(jobID string) {
	r.mu.Lock()
	r.released = append(r.released, jobID)
	r.mu.Unlock()
	r.Registry.Release(jobID)
}

func (r *releaseRecorder) releasedFor(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.released {
		if id == jobID {
			return true
		}
	}
	return false
}

type jobUCFixture struct {
	uc        usecase.JobUseCase
	registry  *releaseRecorder
	jobs      *mockJobRepo
	snapshots *mockSnapshotRepo
	pool      *worker.Pool
}

func newJobUCFixture(t *testing.T, proc usecase.Processor, readyWait time.Duration) *jobUCFixture {
	t.Helper()
	logger := newTestLogger()
	snapshots := newMockSnapshotRepo()
	jobs := newMockJobRepo()
	registry := &releaseRecorder{Registry: broker.NewRegistry(snapshots, logger)}

	pool := worker.NewPool(2, logger)
	poolCtx, cancel := context.WithCancel(context.Background())
	pool.Start(poolCtx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	uc := usecase.NewJobUseCase(registry, jobs, snapshots, pool, proc, readyWait, logger)
	return &jobUCFixture{uc: uc, registry: registry, jobs: jobs, snapshots: snapshots, pool: pool}
}

// waitReleased polls until the runner has scheduled broker eviction, which
// also means the run goroutine has persisted its final record.
func (f *jobUCFixture) waitReleased(t *testing.T, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.releasedFor(jobID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("broker was never released")
}

// waitTerminal polls status until the job finishes or the deadline passes.
func (f *jobUCFixture) waitTerminal(t *testing.T, jobID string) model.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.uc.Status(context.Background(), jobID)
		if err == nil && st.State.Terminal() {
			return *st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return model.JobStatus{}
}

func TestJobUseCase_StartValidation(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := f.uc.Start(ctx, usecase.StartRequest{Type: "export", Count: 1})
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("non-positive count rejected", func(t *testing.T) {
		_, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeImport, Count: 0})
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestJobUseCase_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)

	res, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeEnrichment, Count: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ChannelPath == "" || res.StatusPath == "" || res.ResultPath == "" {
		t.Fatalf("missing transport addresses: %+v", res)
	}

	st := f.waitTerminal(t, res.Job.ID)
	if st.State != model.JobStateCompleted {
		t.Fatalf("expected completed, got %s", st.State)
	}
	if st.Summary == nil || st.Summary.SucceededItems != 3 || st.Summary.FailedItems != 0 {
		t.Fatalf("summary wrong: %+v", st.Summary)
	}
	if st.Summary.ResultRef != res.ResultPath {
		t.Errorf("summary must point at the retrieval endpoint: %q", st.Summary.ResultRef)
	}

	// The full result set is retrievable, never pushed.
	payload, err := f.uc.Result(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	var fragments []json.RawMessage
	if err := json.Unmarshal(payload, &fragments); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 result fragments, got %d", len(fragments))
	}
	f.waitReleased(t, res.Job.ID)
}

func TestJobUseCase_ItemFailuresCounted(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{failAt: 2}, time.Millisecond)

	res, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeImport, Count: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	st := f.waitTerminal(t, res.Job.ID)
	if st.State != model.JobStateCompleted {
		t.Fatalf("a single bad item must not fail the job, got %s", st.State)
	}
	if st.Summary.FailedItems != 1 || st.Summary.SucceededItems != 2 {
		t.Fatalf("failure accounting wrong: %+v", st.Summary)
	}
}

func TestJobUseCase_CancelMidRun(t *testing.T) {
	ctx := context.Background()
	proc := &stubProcessor{release: make(chan struct{})}
	f := newJobUCFixture(t, proc, time.Millisecond)

	res, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeCoverScan, Count: 5})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc.release <- struct{}{} // let one item through

	if err := f.uc.Cancel(ctx, res.Job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(proc.release) // unblock the runner so it can observe the cancel

	st := f.waitTerminal(t, res.Job.ID)
	if st.State != model.JobStateCancelled {
		t.Fatalf("expected cancelled after cancel, got %s", st.State)
	}
	if st.Err == nil || st.Err.Code != domain.CodeJobCancelled {
		t.Fatalf("expected %s, got %+v", domain.CodeJobCancelled, st.Err)
	}
	if !st.Err.Retryable {
		t.Error("a cancelled job must be retryable as a new job")
	}

	if _, err := f.uc.Result(ctx, res.Job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancelled job must have no retrievable result, got %v", err)
	}

	// A cancelled run must not pin its broker in the registry.
	f.waitReleased(t, res.Job.ID)
}

func TestJobUseCase_CancelUnknownJob(t *testing.T) {
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)
	if err := f.uc.Cancel(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobUseCase_ResultExpired(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)

	res, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeEnrichment, Count: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitTerminal(t, res.Job.ID)
	f.waitReleased(t, res.Job.ID)

	// The retention sweeper removed the payload but the record remains.
	f.jobs.dropResult(res.Job.ID)

	if _, err := f.uc.Result(ctx, res.Job.ID); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestJobUseCase_SweepLeavesExpiredTombstone(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)

	res, err := f.uc.Start(ctx, usecase.StartRequest{Type: model.JobTypeImport, Count: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitTerminal(t, res.Job.ID)
	f.waitReleased(t, res.Job.ID)

	if _, err := f.uc.Result(ctx, res.Job.ID); err != nil {
		t.Fatalf("result before the sweep: %v", err)
	}

	n, err := f.jobs.EvictFinishedBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one evicted payload, got %d", n)
	}

	// Expired is a distinct answer: the job is still known, its payload gone.
	if _, err := f.uc.Result(ctx, res.Job.ID); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired after the sweep, got %v", err)
	}
	if _, err := f.uc.Status(ctx, res.Job.ID); err != nil {
		t.Errorf("a swept job must still answer status, got %v", err)
	}

	if _, err := f.uc.Result(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("an unknown id must stay not-found, got %v", err)
	}
}

func TestJobUseCase_StatusFallsBackToRecord(t *testing.T) {
	ctx := context.Background()
	f := newJobUCFixture(t, &stubProcessor{}, time.Millisecond)

	// No broker, no snapshot: only the durable record remains.
	job := model.NewJobIdentifier(model.JobTypeImport)
	rec := &model.JobRecord{
		Job:            job,
		State:          model.JobStateCompleted,
		TotalItems:     4,
		ProcessedItems: 4,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := f.jobs.Save(ctx, rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	st, err := f.uc.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.JobStateCompleted || st.Summary == nil {
		t.Fatalf("record projection wrong: %+v", st)
	}
}

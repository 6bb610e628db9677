package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
)

// evictAfter is how long a terminal broker stays resolvable in memory. The
// persisted snapshot and the durable record carry the full retention window;
// the in-memory instance only needs to cover reconnect churn.
const evictAfter = 10 * time.Minute

// Registry maps job ids to their broker instances. It replaces any notion of
// a process-wide progress singleton: one authority per job, reachable by id,
// with a lifetime tied to the job rather than to the process.
type Registry struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
	closed  bool

	snapshots repository.SnapshotRepository
	log       *zerolog.Logger
}

func NewRegistry(snapshots repository.SnapshotRepository, logger *zerolog.Logger) *Registry {
	return &Registry{
		brokers:   make(map[string]*Broker),
		snapshots: snapshots,
		log:       logger,
	}
}

// Create mints a broker for a freshly started job.
func (r *Registry) Create(job model.JobIdentifier) (*Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrTerminalState
	}
	if b, ok := r.brokers[job.ID]; ok {
		return b, nil
	}
	b := New(job, r.snapshots, r.log)
	r.brokers[job.ID] = b
	return b, nil
}

// Get resolves the broker for a job id.
func (r *Registry) Get(jobID string) (*Broker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// Release schedules eviction of a terminal broker. The snapshot repository
// keeps answering polling and resync requests after the instance is gone.
func (r *Registry) Release(jobID string) {
	time.AfterFunc(evictAfter, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.brokers, jobID)
	})
}

// Close fails every live job with a retryable shutdown error and stops
// accepting new brokers. Used during graceful shutdown so attached clients
// see an explicit terminal message instead of a bare connection drop.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	brokers := make([]*Broker, 0, len(r.brokers))
	for _, b := range r.brokers {
		brokers = append(brokers, b)
	}
	r.mu.Unlock()

	for _, b := range brokers {
		if b.Status().State.Terminal() {
			continue
		}
		err := b.Fail(ctx, model.JobError{
			Code:      domain.CodeShutdown,
			Message:   "server shutting down before job finished",
			Retryable: true,
		})
		if err != nil && err != domain.ErrTerminalState {
			return err
		}
	}
	return nil
}

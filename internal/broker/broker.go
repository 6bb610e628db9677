// Package broker hosts the server-side authority for a job's state: one
// Broker instance per job id, reached through a Registry. The broker is the
// single writer of JobStatus for its job; every transition persists the
// latest snapshot and fans the matching envelope out to attached listeners.
package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
	"github.com/jukasdrj/jobstream/internal/infra/logging"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
)

const (
	// listenerBuffer bounds each listener's outbound queue. A listener that
	// falls this far behind is dropped rather than allowed to stall the
	// broker's broadcast path.
	listenerBuffer = 64

	// historySize bounds the per-job replay ring used to answer reconnects
	// that supply a last-seen event id. Gaps older than the ring resync via
	// a reconnected snapshot instead.
	historySize = 256

	heartbeatInterval = 30 * time.Second
)

// Broker owns the lifecycle state of exactly one job.
type Broker struct {
	job model.JobIdentifier

	mu        sync.Mutex
	state     model.JobState
	progress  model.JobProgress
	summary   *model.ResultSummary
	jobErr    *model.JobError
	seq       uint64
	history   []model.Envelope
	listeners map[string]chan model.Envelope
	entropy   *ulid.MonotonicEntropy
	lastSent  time.Time

	readyCh   chan struct{}
	readyOnce sync.Once

	snapshots repository.SnapshotRepository
	log       zerolog.Logger

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
}

// New creates a broker for a freshly started job in the queued state.
func New(job model.JobIdentifier, snapshots repository.SnapshotRepository, logger *zerolog.Logger) *Broker {
	b := &Broker{
		job:           job,
		state:         model.JobStateQueued,
		listeners:     make(map[string]chan model.Envelope),
		entropy:       ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		snapshots:     snapshots,
		log:           logger.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger(),
		readyCh:       make(chan struct{}),
		stopHeartbeat: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Job returns the identifier this broker serves.
func (b *Broker) Job() model.JobIdentifier { return b.job }

// Status returns the current snapshot.
func (b *Broker) Status() model.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Broker) statusLocked() model.JobStatus {
	st := model.JobStatus{
		Job:       b.job,
		State:     b.state,
		Summary:   b.summary,
		Err:       b.jobErr,
		Seq:       b.seq,
		UpdatedAt: time.Now().UTC(),
	}
	if b.state == model.JobStateActive || b.state == model.JobStateQueued {
		p := b.progress
		st.Progress = &p
	}
	return st
}

func (b *Broker) nextEventIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

// Initialize transitions queued -> active with the expected item count.
func (b *Broker) Initialize(ctx context.Context, totalItems int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return domain.ErrTerminalState
	}
	if b.state == model.JobStateActive {
		return nil // already initialized
	}
	b.state = model.JobStateActive
	b.progress = model.JobProgress{TotalItems: totalItems}
	b.seq++
	env, err := model.NewProgress(b.job.ID, b.seq, b.nextEventIDLocked(), b.progress)
	if err != nil {
		return err
	}
	b.emitLocked(ctx, env)
	return nil
}

// ReportProgress applies a progress delta. ProcessedItems never regresses:
// a stale lower count is lifted to the current value before broadcast.
func (b *Broker) ReportProgress(ctx context.Context, processed int, statusText string) error {
	defer logging.TraceDuration(&b.log, "Broker.ReportProgress")()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return domain.ErrTerminalState
	}
	if b.state != model.JobStateActive {
		return domain.ErrNotInitialized
	}
	if processed < b.progress.ProcessedItems {
		processed = b.progress.ProcessedItems
	}
	b.progress.ProcessedItems = processed
	b.progress.CurrentStatusText = statusText
	b.seq++
	env, err := model.NewProgress(b.job.ID, b.seq, b.nextEventIDLocked(), b.progress)
	if err != nil {
		return err
	}
	b.emitLocked(ctx, env)
	return nil
}

// Complete transitions to the completed terminal state and broadcasts the
// summary. Only the summary rides the channel; the full result set stays
// behind the retrieval endpoint named by summary.ResultRef.
func (b *Broker) Complete(ctx context.Context, summary model.ResultSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return domain.ErrTerminalState
	}
	b.state = model.JobStateCompleted
	b.summary = &summary
	b.seq++
	env, err := model.NewComplete(b.job.ID, b.seq, b.nextEventIDLocked(), summary)
	if err != nil {
		return err
	}
	b.emitLocked(ctx, env)
	b.closeListenersLocked()
	b.stopOnce.Do(func() { close(b.stopHeartbeat) })
	metrics.JobFinished(string(b.job.Type), string(b.state))
	return nil
}

// Fail transitions to the failed terminal state. jobErr.Retryable tells the
// caller whether a new job may succeed, never whether this one continues.
func (b *Broker) Fail(ctx context.Context, jobErr model.JobError) error {
	return b.terminate(ctx, model.JobStateFailed, jobErr)
}

// Cancel is the only sanctioned early-exit path. Listener disconnects never
// cancel server-side work; callers must request cancellation explicitly.
// The job lands in the cancelled state, distinct from failed, so pollers
// can tell a requested stop from a broken one; the wire still carries a
// terminal error envelope with the cancellation code.
func (b *Broker) Cancel(ctx context.Context) error {
	return b.terminate(ctx, model.JobStateCancelled, model.JobError{
		Code:      domain.CodeJobCancelled,
		Message:   "job cancelled",
		Retryable: true,
	})
}

func (b *Broker) terminate(ctx context.Context, state model.JobState, jobErr model.JobError) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return domain.ErrTerminalState
	}
	b.state = state
	b.jobErr = &jobErr
	b.seq++
	env, err := model.NewError(b.job.ID, b.seq, b.nextEventIDLocked(), jobErr)
	if err != nil {
		return err
	}
	b.emitLocked(ctx, env)
	b.closeListenersLocked()
	b.stopOnce.Do(func() { close(b.stopHeartbeat) })
	metrics.JobFinished(string(b.job.Type), string(b.state))
	return nil
}

// emitLocked records the envelope in the replay ring, persists the snapshot,
// and fans out to listeners. Callers hold b.mu.
func (b *Broker) emitLocked(ctx context.Context, env model.Envelope) {
	b.history = append(b.history, env)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	st := b.statusLocked()
	if err := b.snapshots.Save(ctx, &st); err != nil {
		b.log.Warn().Err(err).Msg("snapshot save failed")
	}
	b.broadcastLocked(env)
}

func (b *Broker) broadcastLocked(env model.Envelope) {
	b.lastSent = time.Now()
	for id, ch := range b.listeners {
		select {
		case ch <- env:
		default:
			// Listener queue is full; drop it rather than block the broker.
			delete(b.listeners, id)
			close(ch)
			metrics.ListenerDropped()
			b.log.Warn().Str("listener_id", id).Msg("listener too slow, dropped")
		}
	}
	metrics.MessageBroadcast(string(env.Type))
}

func (b *Broker) closeListenersLocked() {
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
	metrics.SetListeners(b.job.ID, 0)
}

// heartbeatLoop keeps the channel warm: if no envelope has gone out for a
// full interval while the job is live, a heartbeat is broadcast so clients
// can distinguish a slow job from a dead connection.
func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
			b.mu.Lock()
			if !b.state.Terminal() && time.Since(b.lastSent) >= heartbeatInterval {
				b.broadcastLocked(model.NewHeartbeat(b.job.ID))
			}
			b.mu.Unlock()
		}
	}
}

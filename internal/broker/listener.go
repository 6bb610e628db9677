package broker

import (
	"github.com/google/uuid"

	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
)

// Listener is one attached consumer of a job's envelope stream. Messages
// arrive on C in the order the broker applied them; C is closed after a
// terminal envelope or when the listener is detached or dropped.
type Listener struct {
	ID string
	C  <-chan model.Envelope

	broker *Broker
}

// MarkReady opens the business-output gate for this job. Called when the
// first ready message arrives on the push channel, or when a fallback
// listener attaches (the fallback protocol tolerates starting from the
// latest snapshot, so attach alone is enough there).
func (b *Broker) MarkReady() {
	b.readyOnce.Do(func() { close(b.readyCh) })
}

// Ready is closed once a listener has signalled readiness. The job runner
// must not apply business progress before this fires.
func (b *Broker) Ready() <-chan struct{} { return b.readyCh }

// Attach registers a listener. sinceEventID, when non-empty, is the last
// event id the caller saw before reconnecting:
//
//   - if the replay ring still covers the gap, the missed envelopes are
//     queued in order and delivery continues live with no duplicates;
//   - if history was trimmed past the gap, a reconnected snapshot is queued
//     instead of silently skipping events;
//   - a fresh attach (empty sinceEventID) onto a job with prior progress
//     gets the snapshot as a reconnected envelope too, so late joiners
//     resync immediately.
//
// Attaching to a terminal job delivers the terminal envelope (or a snapshot)
// and closes the channel.
func (b *Broker) Attach(sinceEventID string) (*Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	backlog := b.backlogLocked(sinceEventID)

	ch := make(chan model.Envelope, listenerBuffer+len(backlog))
	for _, env := range backlog {
		ch <- env
	}

	if b.state.Terminal() {
		close(ch)
		return &Listener{ID: id, C: ch, broker: b}, nil
	}

	b.listeners[id] = ch
	metrics.SetListeners(b.job.ID, len(b.listeners))
	return &Listener{ID: id, C: ch, broker: b}, nil
}

// backlogLocked computes the envelopes a joining listener must see before
// live delivery. Callers hold b.mu.
func (b *Broker) backlogLocked(sinceEventID string) []model.Envelope {
	if sinceEventID != "" {
		if tail, ok := b.historyAfterLocked(sinceEventID); ok {
			return tail
		}
		// Gap not covered: explicit resync instead of a silent hole.
		return b.snapshotBacklogLocked()
	}
	if b.seq == 0 {
		return nil
	}
	return b.snapshotBacklogLocked()
}

func (b *Broker) snapshotBacklogLocked() []model.Envelope {
	st := b.statusLocked()
	env, err := model.NewReconnected(b.job.ID, b.seq, b.nextEventIDLocked(), st)
	if err != nil {
		b.log.Error().Err(err).Msg("snapshot envelope encode failed")
		return nil
	}
	backlog := []model.Envelope{env}
	// A terminal state must still end the stream with its terminal message.
	if n := len(b.history); b.state.Terminal() && n > 0 {
		backlog = append(backlog, b.history[n-1])
	}
	return backlog
}

// historyAfterLocked returns the envelopes recorded after the given event id,
// and whether the id is still inside the ring.
func (b *Broker) historyAfterLocked(eventID string) ([]model.Envelope, bool) {
	for i, env := range b.history {
		if env.EventID == eventID {
			tail := make([]model.Envelope, len(b.history)-i-1)
			copy(tail, b.history[i+1:])
			return tail, true
		}
	}
	return nil, false
}

// Detach unregisters the listener. Detaching never cancels server-side work;
// it only stops delivery to this consumer.
func (l *Listener) Detach() {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[l.ID]; ok {
		delete(b.listeners, l.ID)
		close(ch)
		metrics.SetListeners(b.job.ID, len(b.listeners))
	}
}

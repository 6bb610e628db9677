// Package progress is the client side of the job-progress protocol: a
// websocket channel per job with the ready/readyAck handshake, typed handler
// dispatch, reconnect-with-resume, and the stall watchdog that falls back to
// polling.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/pkg/backoff"
	"github.com/jukasdrj/jobstream/pkg/jobmodel"
)

// ErrFallbackRequired is returned when the primary channel cannot work at
// all (the upgrade was rejected, or the server speaks another protocol
// version) and retrying it would reproduce the failure. The caller should
// switch to the event-stream transport.
var ErrFallbackRequired = errors.New("primary channel unavailable, use fallback transport")

// ErrConnectExhausted is returned when every connection attempt failed. The
// failure is fatal for this client but retryable at the application level.
var ErrConnectExhausted = errors.New("connection attempts exhausted")

// Handlers receive decoded messages, invoked synchronously in stream order
// on the client's receive goroutine.
type Handlers struct {
	OnProgress func(jobmodel.JobProgress)
	OnComplete func(jobmodel.ResultSummary)
	OnError    func(jobmodel.JobError)
	// OnResync receives the snapshot delivered when the server cannot replay
	// the exact gap after a reconnect. Optional.
	OnResync func(jobmodel.JobStatus)
}

// Options tune the connection policy. Zero values take the defaults noted
// per field.
type Options struct {
	Ticket string // Authorization bearer ticket; never placed in the URL

	Dialer           *websocket.Dialer
	Backoff          *backoff.Config // connection retry: default 1s/2s/4s
	MaxAttempts      int             // delayed retries after the initial attempt, default 3
	ProbeAttempts    int             // transport liveness probes, default 5
	ProbeTimeout     time.Duration   // per-probe wait, default 2s
	HandshakeTimeout time.Duration   // total handshake budget, default 10s

	// StallTimeout caps silence from the server; when it elapses on a live
	// connection OnStall fires and the connection is dropped so the caller
	// can switch to the polling endpoint. Default 5m.
	StallTimeout time.Duration
	OnStall      func()

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Backoff == nil {
		o.Backoff = &backoff.Config{Initial: time.Second, Max: 30 * time.Second}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 5
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Client maintains one logical connection for exactly one job.
type Client struct {
	url   string // ws(s) channel address, job id already in the path
	jobID string
	h     Handlers
	opts  Options

	state connState

	mu          sync.Mutex
	sess        *session
	lastEventID string
	done        chan struct{}
}

// NewClient builds a client for one job's channel address. Nothing happens
// until Connect.
func NewClient(channelURL, jobID string, h Handlers, opts Options) *Client {
	return &Client{
		url:   channelURL,
		jobID: jobID,
		h:     h,
		opts:  opts.withDefaults(),
	}
}

// State reports the connection lifecycle state.
func (c *Client) State() ConnState { return c.state.get() }

// Connect establishes the channel (with retries per the connection policy),
// completes the ready/readyAck handshake, and starts the receive loop. It
// returns once the channel is live; message delivery happens on the loop.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return fmt.Errorf("connect: client is %s", c.State())
	}

	sess, err := c.dialWithRetry(ctx)
	if err != nil {
		c.state.set(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.state.set(StateConnected)
	go c.receiveLoop(ctx, sess)
	return nil
}

// Disconnect tears the transport down and halts the receive loop. It does
// not cancel the server-side job; cancellation is a distinct operation on
// the job API.
func (c *Client) Disconnect() {
	if !c.state.transition(StateConnected, StateDisconnected) &&
		!c.state.transition(StateConnecting, StateDisconnected) {
		return
	}
	c.mu.Lock()
	sess := c.sess
	done := c.done
	c.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	if done != nil {
		<-done
	}
}

// Done is closed when the receive loop has stopped (terminal message,
// disconnect, or fatal failure).
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// receiveLoop decodes inbound frames and dispatches them until a terminal
// message, a stall, or a connection loss that outlives the retry budget.
func (c *Client) receiveLoop(ctx context.Context, sess *session) {
	defer func() {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	for {
		if sess.replay != nil {
			frame := sess.replay
			sess.replay = nil
			if c.handleFrame(sess, frame) {
				return
			}
			continue
		}
		stall := time.NewTimer(c.opts.StallTimeout)
		select {
		case <-ctx.Done():
			stall.Stop()
			c.state.set(StateDisconnected)
			sess.close()
			return

		case frame := <-sess.frames:
			stall.Stop()
			if c.handleFrame(sess, frame) {
				return
			}

		case err := <-sess.errs:
			stall.Stop()
			// Frames queued before the failure still belong to the stream;
			// deliver them before deciding what the error means.
			for drained := false; !drained; {
				select {
				case frame := <-sess.frames:
					if c.handleFrame(sess, frame) {
						return
					}
				default:
					drained = true
				}
			}
			switch c.State() {
			case StateTerminal, StateDisconnected:
				// Close right after a terminal message, or after an explicit
				// Disconnect, is the expected shutdown. Not an error.
				return
			default:
			}
			next, rerr := c.reconnect(ctx)
			if rerr != nil {
				c.opts.Logger.Warn().Err(err).Msg("connection lost and not recovered")
				c.state.set(StateDisconnected)
				c.surfaceError(jobmodel.JobError{
					Code:      jobmodel.CodeConnectionLost,
					Message:   "progress channel lost: " + err.Error(),
					Retryable: true,
				})
				return
			}
			sess = next

		case <-stall.C:
			// Liveness failure: not an error. Hand off to polling.
			c.opts.Logger.Warn().Str("job_id", c.jobID).Msg("no messages within stall window, falling back to polling")
			c.state.set(StateDisconnected)
			sess.close()
			if c.opts.OnStall != nil {
				c.opts.OnStall()
			}
			return
		}
	}
}

// handleFrame dispatches one inbound frame; it reports true when the loop
// must stop. On a terminal message the client stops listening before the
// handler runs and before the transport comes down, so a transport close
// racing in behind the terminal frame cannot be misread as a failure.
func (c *Client) handleFrame(sess *session, frame []byte) (stop bool) {
	env, err := jobmodel.DecodeEnvelope(frame)
	if err != nil {
		// Protocol mismatch. Fatal for the connection, never retried on it.
		c.state.set(StateTerminal)
		sess.close()
		c.surfaceError(jobmodel.JobError{
			Code:      jobmodel.CodeDecodeFailure,
			Message:   err.Error(),
			Retryable: false,
		})
		return true
	}
	if env.EventID != "" {
		c.mu.Lock()
		c.lastEventID = env.EventID
		c.mu.Unlock()
	}

	switch env.Type {
	case jobmodel.MessageHeartbeat, jobmodel.MessageReadyAck:
		// Liveness only.

	case jobmodel.MessageProgress:
		p, err := env.Progress()
		if err != nil {
			return c.protocolFailure(sess, err)
		}
		if !p.KeepAlive && c.h.OnProgress != nil {
			c.h.OnProgress(p)
		}

	case jobmodel.MessageReconnected:
		st, err := env.Snapshot()
		if err != nil {
			return c.protocolFailure(sess, err)
		}
		if c.h.OnResync != nil {
			c.h.OnResync(st)
		}

	case jobmodel.MessageComplete:
		sum, err := env.Summary()
		if err != nil {
			return c.protocolFailure(sess, err)
		}
		c.state.set(StateTerminal)
		if c.h.OnComplete != nil {
			c.h.OnComplete(sum)
		}
		sess.close()
		return true

	case jobmodel.MessageError:
		je, err := env.Err()
		if err != nil {
			return c.protocolFailure(sess, err)
		}
		c.state.set(StateTerminal)
		c.surfaceError(je)
		sess.close()
		return true

	default:
		// An in-band ready from the server is a protocol violation.
		return c.protocolFailure(sess, fmt.Errorf("unexpected %s message", env.Type))
	}
	return false
}

func (c *Client) protocolFailure(sess *session, err error) bool {
	c.state.set(StateTerminal)
	sess.close()
	c.surfaceError(jobmodel.JobError{
		Code:      jobmodel.CodeDecodeFailure,
		Message:   err.Error(),
		Retryable: false,
	})
	return true
}

func (c *Client) surfaceError(je jobmodel.JobError) {
	if c.h.OnError != nil {
		c.h.OnError(je)
	}
}

// reconnect re-dials after a mid-stream drop, resuming from the last seen
// event id. The server replays the gap when its history covers it and sends
// a resync snapshot when it does not.
func (c *Client) reconnect(ctx context.Context) (*session, error) {
	c.state.set(StateConnecting)
	sess, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.state.set(StateConnected)
	return sess, nil
}

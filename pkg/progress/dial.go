package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jukasdrj/jobstream/pkg/backoff"
	"github.com/jukasdrj/jobstream/pkg/jobmodel"
)

// session bundles a live websocket with its single reader goroutine. All
// inbound traffic flows through frames/errs so the handshake and the receive
// loop never fight over conn reads.
type session struct {
	conn   *websocket.Conn
	frames chan []byte
	errs   chan error
	pongs  chan struct{}
	once   sync.Once

	// replay holds a frame the handshake consumed that belongs to the
	// stream (a server that skips readyAck). Drained before live frames.
	replay []byte
}

func newSession(conn *websocket.Conn) *session {
	s := &session{
		conn:   conn,
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		pongs:  make(chan struct{}, 1),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				s.errs <- err
				return
			}
			s.frames <- data
		}
	}()
	return s
}

func (s *session) close() {
	s.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
}

// dialWithRetry runs the connection policy: an initial attempt plus
// MaxAttempts delayed retries with exponential backoff, short-circuiting to
// the fallback transport on failure signatures that retrying cannot fix.
// The default policy of 3 retries makes four dials with waits of 1s, 2s and
// 4s between them.
func (c *Client) dialWithRetry(ctx context.Context) (*session, error) {
	var lastErr error
	for retry := 0; retry <= c.opts.MaxAttempts; retry++ {
		sess, err := c.dialOnce(ctx)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, ErrFallbackRequired) {
			return nil, err
		}
		lastErr = err
		c.opts.Logger.Debug().Int("attempt", retry+1).Err(err).Msg("connection attempt failed")

		if retry == c.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff.Delay(retry+1, c.opts.Backoff)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectExhausted, lastErr)
}

// dialOnce opens the transport, confirms it is actually alive, and runs the
// ready/readyAck handshake. Transport-level "connected" is not enough: the
// probes prove the peer answers before ready is sent, and the server emits
// no business output until it has seen ready.
func (c *Client) dialOnce(ctx context.Context) (*session, error) {
	header := http.Header{}
	if c.opts.Ticket != "" {
		header.Set("Authorization", "Bearer "+c.opts.Ticket)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && rejectsUpgrade(resp.StatusCode) {
			return nil, fmt.Errorf("%w: server answered %d", ErrFallbackRequired, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	sess := newSession(conn)
	if err := c.confirmTransport(ctx, sess); err != nil {
		sess.close()
		return nil, err
	}
	if err := c.handshake(ctx, sess); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

// rejectsUpgrade matches responses that mean the primary channel will never
// work here (an intermediary stripping the upgrade, or a version mismatch),
// as opposed to transient refusals worth retrying.
func rejectsUpgrade(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUpgradeRequired, http.StatusNotImplemented:
		return true
	}
	return false
}

// confirmTransport sends liveness probes with linear backoff until the peer
// answers one: a bounded number of short waits instead of trusting the
// completed network handshake.
func (c *Client) confirmTransport(ctx context.Context, sess *session) error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	for attempt := 0; attempt < c.opts.ProbeAttempts; attempt++ {
		if attempt > 0 {
			// Linear backoff between probes, clipped to the overall budget.
			wait := time.Duration(attempt) * time.Second
			if remaining := time.Until(deadline); wait > remaining {
				wait = remaining
			}
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if time.Now().After(deadline) {
			break
		}

		err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.ProbeTimeout))
		if err != nil {
			return fmt.Errorf("liveness probe: %w", err)
		}
		select {
		case <-sess.pongs:
			return nil
		case <-sess.frames:
			// Inbound traffic proves liveness just as well; the frame is a
			// protocol violation this early, caught by the readyAck wait.
			return nil
		case err := <-sess.errs:
			return fmt.Errorf("liveness probe: %w", err)
		case <-time.After(c.opts.ProbeTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("transport never confirmed within handshake window")
}

// handshake sends ready (carrying the resumption cursor on reconnects) and
// waits for readyAck.
func (c *Client) handshake(ctx context.Context, sess *session) error {
	ready := jobmodel.NewReady(c.jobID)
	c.mu.Lock()
	ready.EventID = c.lastEventID
	c.mu.Unlock()

	frame, err := ready.Encode()
	if err != nil {
		return err
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(c.opts.ProbeTimeout))
	if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	_ = sess.conn.SetWriteDeadline(time.Time{})

	select {
	case data := <-sess.frames:
		env, err := jobmodel.DecodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("readyAck: %w", err)
		}
		if env.Type != jobmodel.MessageReadyAck {
			// Tolerate servers that skip the ack and start streaming: the
			// frame is a legitimate first message, hold it for the loop.
			sess.replay = data
		}
		return nil
	case err := <-sess.errs:
		return fmt.Errorf("readyAck: %w", err)
	case <-time.After(c.opts.HandshakeTimeout):
		return errors.New("readyAck never arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleChannel owns the primary push channel for one job. The transport
// upgrade alone does not open the business stream: the connection holds a
// ConnectionToken and waits for the client's ready message, and only after
// ready (and the readyAck reply) does the listener attach and output flow.
// A ready carrying an eventId resumes delivery after that event.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	b, err := s.registry.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "unknown job id")
		return
	}
	if err := s.redeemTicket(r, jobID); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, domain.ErrTicketUsed) {
			status = http.StatusForbidden
		}
		writeError(w, status, domain.CodeNotFound, "connection ticket rejected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response; an intermediary that rejects
		// the upgrade lands the client on the event-stream fallback.
		s.reqLog(r, jobID).Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	token := model.NewConnectionToken(jobID)

	// Handshake: nothing is emitted until ready arrives on this connection.
	_ = conn.SetReadDeadline(token.CreatedAt.Add(model.ConnectionTokenTTL))
	_, frame, err := conn.ReadMessage()
	if err != nil || token.Expired(time.Now()) {
		s.reqLog(r, jobID).Debug().Msg("handshake never completed, dropping connection")
		return
	}
	env, err := model.DecodeEnvelope(frame)
	if err != nil || env.Type != model.MessageReady || env.JobID != jobID {
		s.reqLog(r, jobID).Warn().Err(err).Msg("expected ready, closing")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "expected ready"),
			time.Now().Add(writeWait))
		return
	}
	metrics.HandshakeObserved(float64(time.Since(token.CreatedAt).Milliseconds()))

	ack, err := model.NewReadyAck(jobID).Encode()
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, ack)
	}
	if err != nil {
		return
	}

	listener, err := b.Attach(env.EventID)
	if err != nil {
		return
	}
	defer listener.Detach()
	b.MarkReady()

	// Reader pump: after ready the client only sends control traffic; the
	// read loop exists to notice pongs and the peer going away.
	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writePump(conn, listener.C, done)
}

// writePump delivers envelopes in broker order until the stream closes (the
// terminal message went out or the listener was dropped) or the peer leaves.
func (s *Server) writePump(conn *websocket.Conn, envelopes <-chan model.Envelope, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-envelopes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream over; tell the peer this close is the expected one.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			frame, err := env.Encode()
			if err != nil {
				s.log.Error().Err(err).Msg("envelope encode failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

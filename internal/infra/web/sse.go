package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/domain/model"
)

// sseRetryMillis is the reconnect delay advertised to event-stream clients.
const sseRetryMillis = 3000

// handleEvents is the text-event-stream fallback. It is receive-only and
// needs no ready handshake: attaching is itself the signal that a listener
// may be present, and a joiner starts from the latest snapshot rather than
// demanding a no-loss stream. A Last-Event-ID header resumes delivery after
// the named event when broker history still covers the gap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "streaming unsupported")
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

	b, err := s.registry.Get(jobID)
	if err != nil {
		// Broker already evicted: a terminal job can still answer with its
		// persisted snapshot, once, so the client sees how things ended.
		st, serr := s.jobUC.Status(r.Context(), jobID)
		if serr != nil {
			writeError(w, http.StatusNotFound, domain.CodeNotFound, "unknown job id")
			return
		}
		env, eerr := model.NewReconnected(jobID, st.Seq, "", *st)
		if eerr != nil {
			writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "snapshot encode failed")
			return
		}
		startEventStream(w)
		writeEvent(w, env)
		flusher.Flush()
		return
	}

	listener, err := b.Attach(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "attach failed")
		return
	}
	defer listener.Detach()
	b.MarkReady()

	startEventStream(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-listener.C:
			if !ok {
				return
			}
			writeEvent(w, env)
			flusher.Flush()
			if env.Type.Terminal() {
				return
			}
		}
	}
}

func startEventStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
}

// writeEvent serializes one envelope in wire format: event names the message
// type, id carries the resumption cursor, data the envelope body.
func writeEvent(w http.ResponseWriter, env model.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", env.Type)
	if env.EventID != "" {
		fmt.Fprintf(w, "id: %s\n", env.EventID)
	}
	fmt.Fprintf(w, "data: %s\n\n", frame)
}

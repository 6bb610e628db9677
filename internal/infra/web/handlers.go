package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/domain"
	"github.com/jukasdrj/jobstream/internal/infra/logging"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
	red "github.com/jukasdrj/jobstream/internal/infra/redis"
	"github.com/jukasdrj/jobstream/internal/usecase"
)

var errMissingTicket = errors.New("missing or malformed connection ticket")

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// reqLog returns a request-scoped logger carrying the trace id seeded by the
// router middleware, plus the job id when the route has one.
func (s *Server) reqLog(r *http.Request, jobID string) *zerolog.Logger {
	ctx := r.Context()
	if jobID != "" {
		ctx = logging.WithJobID(ctx, jobID)
	}
	return logging.With(ctx, s.log)
}

// startJobResponse is what a caller needs to begin listening: the identity,
// the addresses for every transport tier, and a ticket for the streaming ones.
type startJobResponse struct {
	usecase.StartResult
	Ticket string `json:"ticket,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req usecase.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeDecodeFailure, "invalid request body")
		return
	}

	res, err := s.jobUC.Start(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, domain.CodeDecodeFailure, err.Error())
			return
		}
		s.reqLog(r, "").Error().Err(err).Msg("job start failed")
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "failed to start job")
		return
	}

	resp := startJobResponse{StartResult: *res}
	if !s.dev {
		ticket, err := s.tickets.Issue(res.Job.ID)
		if err != nil {
			s.reqLog(r, res.Job.ID).Error().Err(err).Msg("ticket issue failed")
			writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "failed to issue channel ticket")
			return
		}
		resp.Ticket = ticket
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleStatus serves the polling fallback: the latest snapshot, synchronously.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	st, err := s.jobUC.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, domain.CodeNotFound, "unknown job id")
			return
		}
		s.reqLog(r, jobID).Error().Err(err).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := s.jobUC.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "unknown job id")
	case errors.Is(err, domain.ErrTerminalState):
		writeError(w, http.StatusConflict, domain.CodeJobCancelled, "job already finished")
	default:
		s.reqLog(r, jobID).Error().Err(err).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "cancel failed")
	}
}

// handleResult serves the full result set while the retention window is open.
// Distinct responses for expiry and for load shedding, per the boundary
// contract: 410 once retention has elapsed, 429 with a retry hint under load.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := r.Context()

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, red.ResultKey(jobID), s.resultRate, time.Minute)
		if err != nil {
			s.reqLog(r, jobID).Warn().Err(err).Msg("rate limiter unavailable, allowing")
		} else if !ok {
			w.Header().Set("Retry-After", "60")
			metrics.ResultRequest("rate_limited")
			writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, "result endpoint is rate limited, retry later")
			return
		}
	}

	result, err := s.jobUC.Result(ctx, jobID)
	switch {
	case err == nil:
		metrics.ResultRequest("ok")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
	case errors.Is(err, domain.ErrExpired):
		metrics.ResultRequest("expired")
		writeError(w, http.StatusGone, domain.CodeExpired, "result retention window has elapsed")
	case errors.Is(err, domain.ErrNotFound):
		metrics.ResultRequest("not_found")
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "no result for this job id")
	default:
		s.reqLog(r, jobID).Error().Err(err).Msg("result lookup failed")
		writeError(w, http.StatusInternalServerError, domain.CodeJobFailed, "result lookup failed")
	}
}

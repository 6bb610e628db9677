package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/broker"
	"github.com/jukasdrj/jobstream/internal/infra/logging"
	red "github.com/jukasdrj/jobstream/internal/infra/redis"
	"github.com/jukasdrj/jobstream/internal/usecase"
)

// Server exposes the job-progress API: job start, the websocket push channel,
// the text-event-stream fallback, the polling snapshot, and result retrieval.
type Server struct {
	jobUC      usecase.JobUseCase
	registry   *broker.Registry
	tickets    *TicketIssuer
	limiter    *red.RateLimiter
	resultRate int // result requests per job per minute
	dev        bool
	log        *zerolog.Logger
}

func NewServer(
	jobUC usecase.JobUseCase,
	registry *broker.Registry,
	tickets *TicketIssuer,
	limiter *red.RateLimiter,
	resultRate int,
	dev bool,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		jobUC:      jobUC,
		registry:   registry,
		tickets:    tickets,
		limiter:    limiter,
		resultRate: resultRate,
		dev:        dev,
		log:        logger,
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceContext)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleStartJob)
		r.Get("/{jobID}", s.handleStatus)
		r.Post("/{jobID}/cancel", s.handleCancel)
		r.Get("/{jobID}/result", s.handleResult)
		r.Get("/{jobID}/events", s.handleEvents)
	})
	r.Get("/ws/jobs/{jobID}", s.handleChannel)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// traceContext carries the chi request id into the logging context, so every
// log line emitted under a request can be tied back to it.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// redeemTicket authenticates a streaming connection. The ticket rides the
// Authorization header, never the address; dev mode waives it entirely.
func (s *Server) redeemTicket(r *http.Request, jobID string) error {
	if s.dev {
		return nil
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return errMissingTicket
	}
	return s.tickets.Redeem(r.Context(), parts[1], jobID)
}

package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/domain/ports/repository"
)

// RetentionWorker periodically evicts job records whose retention window has
// elapsed. After eviction the result endpoint answers with the explicit
// expired response instead of the payload.
type RetentionWorker struct {
	interval  time.Duration
	retention time.Duration
	jobs      repository.JobRepository
	log       *zerolog.Logger
}

func NewRetentionWorker(interval, retention time.Duration, jobs repository.JobRepository, logger *zerolog.Logger) *RetentionWorker {
	wlog := logger.With().Str("component", "RetentionWorker").Logger()
	return &RetentionWorker{
		interval:  interval,
		retention: retention,
		jobs:      jobs,
		log:       &wlog,
	}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting retention worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping retention worker")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			n, err := w.jobs.EvictFinishedBefore(ctx, cutoff)
			if err != nil {
				w.log.Error().Err(err).Msg("retention sweep error")
			}
			if n > 0 {
				w.log.Info().Int64("count", n).Msg("expired job results evicted")
			}
		}
	}
}

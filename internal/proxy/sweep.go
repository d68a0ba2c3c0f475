package proxy

import (
	"context"
	"fmt"
	"log/slog"
)

// sweep periodically expires jobs that waited too long for a worker.
func (s *Service) sweep(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(sweepInterval):
		}
		s.expire(ctx)
	}
}

// expire removes queued jobs older than the queue timeout and cancels
// their workflow runs, so stale offers are never silently dropped.
func (s *Service) expire(ctx context.Context) {
	now := s.clock.Now()
	s.queue.ForgetDispatched(now.Add(-dispatchRetention))

	expired := s.queue.Expire(now.Add(-s.queueTimeout))
	if len(expired) == 0 {
		return
	}

	reason := fmt.Sprintf("no local capacity within %s", s.queueTimeout)
	for _, job := range expired {
		s.logger.Warn("queued job expired",
			slog.String("target", job.TargetID),
			slog.String("job_id", job.JobID),
			slog.Duration("waited", now.Sub(job.EnqueuedAt)),
		)
		s.gate.Cancel(ctx, job.Offer(), reason)
	}
	if s.expired != nil {
		s.expired.Add(ctx, int64(len(expired)))
	}
	s.emitStatus()
}

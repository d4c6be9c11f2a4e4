package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/clock"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

const sweepBatch = 100

// Sweeper returns jobs whose lease outlived LeaseTimeout to the queue, so a
// crashed worker's claims are picked up by another worker.
type Sweeper struct {
	jobs         repo.JobStore
	clock        clock.TimeProvider
	leaseTimeout time.Duration
	waker        Waker
	logger       *slog.Logger
}

func NewSweeper(jobs repo.JobStore, c clock.TimeProvider, leaseTimeout time.Duration, waker Waker, logger *slog.Logger) *Sweeper {
	if c == nil {
		c = clock.Real{}
	}
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:         jobs,
		clock:        c,
		leaseTimeout: leaseTimeout,
		waker:        waker,
		logger:       logger.With("component", "sweeper"),
	}
}

// Tick releases expired leases in batches and returns how many jobs changed.
func (s *Sweeper) Tick(ctx context.Context) int64 {
	cutoff := s.clock.Now().Add(-s.leaseTimeout)

	var total int64
	for ctx.Err() == nil {
		n, err := s.jobs.RequeueExpired(ctx, cutoff, sweepBatch)
		if err != nil {
			s.logger.Error("requeue expired leases", "err", err)
			break
		}
		total += n
		if n < sweepBatch {
			break
		}
	}

	if total > 0 {
		s.logger.Warn("expired leases released", "jobs", total, "cutoff", cutoff)
		if s.waker != nil {
			s.waker.Wake()
		}
	}
	return total
}

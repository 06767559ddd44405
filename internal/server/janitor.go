package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// runJanitor schedules the two background maintenance jobs on a gocron
// scheduler and blocks until ctx is cancelled:
//
//   - the pending-table sweep, which closes public sockets whose rendezvous
//     never completed (this is the one place the rendezvous timeout fires)
//   - the heartbeat-staleness reaper, which evicts agents that stopped
//     heartbeating while keeping their TCP socket half-open
//
// Both jobs run in singleton mode so a slow pass never overlaps itself.
func (s *Server) runJanitor(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("server: create janitor scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			if n := s.pending.Sweep(time.Now()); n > 0 {
				s.metrics.RendezvousExpired.Add(float64(n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("server: schedule pending sweep: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.ReapInterval),
		gocron.NewTask(func() {
			for _, e := range s.registry.ReapStale(time.Now(), s.cfg.HeartbeatStale) {
				// Closing the socket unblocks the control handler's read;
				// its own removal attempt then finds the entry gone.
				e.Conn.Close()
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("server: schedule staleness reaper: %w", err)
	}

	sched.Start()
	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("janitor shutdown", zap.Error(err))
	}
	return nil
}

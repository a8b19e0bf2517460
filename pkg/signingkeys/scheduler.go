package signingkeys

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the manager's maintenance pass on a fixed interval from
// a single background goroutine. Shutdown is deterministic: Stop returns
// only after the goroutine has exited.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler that ticks the manager every interval.
func NewScheduler(manager *Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Tick errors are logged and retried on
// the next interval; they never stop the loop or the process.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("Key rotation scheduler started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				if err := s.manager.Tick(ctx); err != nil {
					slog.Error("Scheduled key maintenance failed, will retry", "err", err)
				}
			case <-ctx.Done():
				slog.Info("Key rotation scheduler stopped", "reason", ctx.Err())
				return
			case <-s.stop:
				slog.Info("Key rotation scheduler stopped")
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

package workers

import (
	"context"
	"log/slog"
	"time"
)

// IdleCloser is the slice of the connection manager the reaper needs.
type IdleCloser interface {
	CloseIdle(olderThan time.Time) int
}

// ReaperWorker closes sessions that sent no traffic (including pings)
// within the idle window. Sweep interval is a fraction of the window so a
// stale session lives at most ~window + window/4.
type ReaperWorker struct {
	log         *slog.Logger
	manager     IdleCloser
	idleTimeout time.Duration
}

func NewReaperWorker(log *slog.Logger, manager IdleCloser, idleTimeout time.Duration) *ReaperWorker {
	return &ReaperWorker{log: log, manager: manager, idleTimeout: idleTimeout}
}

func (w *ReaperWorker) Run(ctx context.Context) error {
	interval := w.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping idle sweep")
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-w.idleTimeout)
			if closed := w.manager.CloseIdle(cutoff); closed > 0 {
				w.log.Info("Closed idle sessions", "count", closed)
			}
		}
	}
}

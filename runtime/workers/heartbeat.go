package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"ethshot-chat/observability"

	"github.com/shirou/gopsutil/process"
)

// HeartbeatWorker samples the server's own RSS and CPU every interval and
// feeds them to the monitoring manager for the health endpoint.
type HeartbeatWorker struct {
	log        *slog.Logger
	monitoring *observability.MonitoringManager
	interval   time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, monitoring *observability.MonitoringManager, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, monitoring: monitoring, interval: interval}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mem, err := p.MemoryInfo()
			if err != nil {
				w.log.Debug("Failed to collect memory stats", "err", err)
				continue
			}
			cpu, err := p.CPUPercent()
			if err != nil {
				w.log.Debug("Failed to collect cpu stats", "err", err)
				continue
			}
			w.monitoring.SetProcessStats(mem.RSS, cpu)
		}
	}
}

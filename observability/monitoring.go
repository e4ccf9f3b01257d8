// Package observability aggregates live process and traffic metrics for the
// health surface. It is a side-channel: nothing in the message path depends
// on it.
package observability

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is the snapshot served by the health endpoint.
type Stats struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Connections      int     `json:"connections"`
	Rooms            int     `json:"rooms"`
	MessagesAccepted uint64  `json:"messages_accepted"`
	MessagesRejected uint64  `json:"messages_rejected"`
	RSSBytes         uint64  `json:"rss_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
}

// MonitoringManager collects counters from the message path and process
// stats from the heartbeat worker.
type MonitoringManager struct {
	log       *slog.Logger
	startedAt time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64

	mu  sync.RWMutex
	rss uint64
	cpu float64
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	return &MonitoringManager{log: log, startedAt: time.Now()}
}

func (m *MonitoringManager) MessageAccepted() { m.accepted.Add(1) }
func (m *MonitoringManager) MessageRejected() { m.rejected.Add(1) }

// SetProcessStats is fed by the heartbeat worker.
func (m *MonitoringManager) SetProcessStats(rssBytes uint64, cpuPercent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rss = rssBytes
	m.cpu = cpuPercent
}

// Snapshot merges the counters with the caller-supplied connection and room
// counts into one health view.
func (m *MonitoringManager) Snapshot(connections, rooms int) Stats {
	m.mu.RLock()
	rss, cpu := m.rss, m.cpu
	m.mu.RUnlock()

	return Stats{
		Status:           "ok",
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Connections:      connections,
		Rooms:            rooms,
		MessagesAccepted: m.accepted.Load(),
		MessagesRejected: m.rejected.Load(),
		RSSBytes:         rss,
		CPUPercent:       cpu,
	}
}

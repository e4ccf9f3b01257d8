package server

import (
	"log/slog"
	"sync"
	"time"

	"ethshot-chat/auth"
	"ethshot-chat/contract"
	"ethshot-chat/moderation"
	"ethshot-chat/observability"
	"ethshot-chat/protocol"
	"ethshot-chat/ratelimit"
	"ethshot-chat/runtime"
	"ethshot-chat/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxProtocolStrikes closes a connection after this many malformed or
// unknown frames in a row; any well-formed frame resets the count.
const maxProtocolStrikes = 5

// Options carries the tunables the manager needs from configuration.
type Options struct {
	GatewayTimeout time.Duration
	HistoryLimit   int
	SendBufferSize int
	// ReadLimit caps inbound frame size in bytes; oversized frames close the
	// connection.
	ReadLimit int64
}

// Manager owns the set of live sessions and orchestrates the protocol state
// machine. It is the single place sessions are created and destroyed; all
// cross-session effects go through the registry, broadcaster, and limiter.
type Manager struct {
	log         *slog.Logger
	opts        Options
	verifier    *auth.Verifier
	guard       *moderation.Guard
	limiter     *ratelimit.Limiter
	registry    *runtime.Registry
	broadcaster *runtime.Broadcaster
	gateway     storage.IPersistenceGateway
	monitoring  *observability.MonitoringManager

	mu              sync.Mutex
	sessions        map[string]*Session
	accountSessions map[string]int
}

func NewManager(
	log *slog.Logger,
	opts Options,
	verifier *auth.Verifier,
	guard *moderation.Guard,
	limiter *ratelimit.Limiter,
	registry *runtime.Registry,
	broadcaster *runtime.Broadcaster,
	gateway storage.IPersistenceGateway,
	monitoring *observability.MonitoringManager,
) *Manager {
	return &Manager{
		log:             log,
		opts:            opts,
		verifier:        verifier,
		guard:           guard,
		limiter:         limiter,
		registry:        registry,
		broadcaster:     broadcaster,
		gateway:         gateway,
		monitoring:      monitoring,
		sessions:        make(map[string]*Session),
		accountSessions: make(map[string]int),
	}
}

// Connect registers a fresh unauthenticated session and greets it with a
// connected frame carrying its id.
func (m *Manager) Connect(conn *websocket.Conn) *Session {
	s := newSession(uuid.NewString(), conn, m.opts.SendBufferSize, m.log)

	m.mu.Lock()
	m.sessions[s.id] = s
	total := len(m.sessions)
	m.mu.Unlock()

	m.log.Info("Session connected", "session", s.id, "total", total)
	if err := s.Consume(protocol.Connected(s.id)); err != nil {
		m.log.Warn("Failed to greet session", "session", s.id, "err", err)
	}
	return s
}

// Disconnect tears a session down: membership is released best-effort (a
// gateway failure must not fail the close path), the account's rate-limit
// window is dropped once its last session is gone, and the session leaves
// the manager. Idempotent; safe to call from the reaper and the read pump.
func (m *Manager) Disconnect(s *Session) {
	m.mu.Lock()
	if _, known := m.sessions[s.id]; !known {
		m.mu.Unlock()
		// A handler mid-join can subscribe after an earlier Disconnect ran;
		// registry cleanup stays unconditional so no ghost member survives.
		m.registry.UnsubscribeAll(s.id)
		return
	}
	delete(m.sessions, s.id)

	account := s.account
	lastForAccount := false
	if account != "" {
		m.accountSessions[account]--
		if m.accountSessions[account] <= 0 {
			delete(m.accountSessions, account)
			lastForAccount = true
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	s.Close()

	rooms := m.registry.UnsubscribeAll(s.id)
	for _, room := range rooms {
		if account != "" {
			ctx, cancel := m.gatewayContext()
			if err := m.gateway.LeaveRoom(ctx, account, room); err != nil {
				m.log.Warn("Best-effort room leave failed during disconnect",
					"session", s.id, "room", room, "err", err)
			}
			cancel()
			m.broadcaster.Broadcast(room, protocol.UserLeft(room, account), s.id)
		}
	}

	if lastForAccount {
		m.limiter.Forget(account)
	}

	m.log.Info("Session disconnected", "session", s.id, "total", total)
}

// bindAccount sets the session identity exactly once and tracks how many
// sessions the account holds, so the limiter window survives until the last
// one disconnects. The identity write happens under the manager lock because
// Disconnect reads it from the reaper goroutine.
func (m *Manager) bindAccount(s *Session, account string) {
	m.mu.Lock()
	s.account = account
	// A session already disconnected never got counted out, so don't count
	// it in.
	if _, known := m.sessions[s.id]; known {
		m.accountSessions[account]++
	}
	m.mu.Unlock()
}

// CloseIdle force-closes sessions with no traffic since the cutoff.
// Implements the reaper's IdleCloser.
func (m *Manager) CloseIdle(olderThan time.Time) int {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(olderThan) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Info("Closing idle session", "session", s.id, "idle_since", s.idleSince())
		m.Disconnect(s)
	}
	return len(stale)
}

// Connections returns the live session count for the health surface.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats snapshots the health view.
func (m *Manager) Stats() observability.Stats {
	return m.monitoring.Snapshot(m.Connections(), m.registry.Rooms())
}

var _ contract.EventSink = (*Session)(nil)

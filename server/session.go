// Package server owns live connections: the per-session protocol state
// machine, the connection manager, and the WebSocket transport around them.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ethshot-chat/domain"
	"ethshot-chat/protocol"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Session is one live transport connection and its protocol state. All
// mutation happens on the connection's own handler goroutine; the only
// cross-goroutine surfaces are the outbound queue (Consume), the activity
// timestamp (the reaper reads it), and Close.
type Session struct {
	id   string
	log  *slog.Logger
	conn *websocket.Conn

	send chan protocol.ServerFrame
	done chan struct{}

	// account is empty until authentication and immutable afterwards.
	account string
	rooms   map[domain.RoomID]struct{}
	strikes int

	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newSession(id string, conn *websocket.Conn, sendBuffer int, log *slog.Logger) *Session {
	s := &Session{
		id:    id,
		log:   log,
		conn:  conn,
		send:  make(chan protocol.ServerFrame, sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[domain.RoomID]struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Account() string { return s.account }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Consume queues a frame for delivery. It never blocks: a closed session or
// a full buffer is an error the caller logs and moves past.
func (s *Session) Consume(frame protocol.ServerFrame) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full for session %s", s.id)
	}
}

// Close marks the session dead and tears down the transport. Safe to call
// from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// writePump drains the outbound queue onto the wire in FIFO order, which is
// what preserves per-room per-sender delivery order for this recipient.
func (s *Session) writePump() {
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				s.log.Error("Failed to encode server frame", "session", s.id, "frame", frame.Type, "err", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Debug("Write failed, dropping connection", "session", s.id, "err", err)
				}
				return
			}
		}
	}
}

// readPump feeds inbound frames to the manager until the transport dies.
// Frames over the read limit kill the connection outright.
func (s *Session) readPump(m *Manager) {
	defer func() {
		s.Close()
		m.Disconnect(s)
	}()

	if m.opts.ReadLimit > 0 {
		s.conn.SetReadLimit(m.opts.ReadLimit)
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Debug("Unexpected close", "session", s.id, "err", err)
			}
			return
		}
		m.HandleFrame(s, raw)
		if s.closed.Load() {
			return
		}
	}
}

func isExpectedCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure)
}

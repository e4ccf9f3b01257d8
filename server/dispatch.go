package server

import (
	"context"
	stderrors "errors"
	"fmt"

	"ethshot-chat/domain"
	"ethshot-chat/errors"
	"ethshot-chat/protocol"

	"github.com/samber/lo"
)

// HandleFrame is the dispatch boundary: every transport event becomes one
// call here, on the connection's own goroutine. The type switch is
// exhaustive over the closed frame set; authentication is enforced once,
// here, not per handler.
func (m *Manager) HandleFrame(s *Session, raw []byte) {
	s.touch()

	frameType, payload, err := protocol.DecodeClientFrame(raw)
	if err != nil {
		m.protocolStrike(s, err)
		return
	}
	s.strikes = 0

	// Liveness and authentication are the only pre-auth operations.
	switch frameType {
	case protocol.TypePing:
		m.reply(s, protocol.Pong())
		return
	case protocol.TypeAuthenticate:
		m.handleAuthenticate(s, payload.(*protocol.AuthenticatePayload))
		return
	}

	if s.account == "" {
		m.reply(s, protocol.Error(errors.ErrAuthRequired))
		return
	}

	switch p := payload.(type) {
	case *protocol.JoinRoomPayload:
		m.handleJoinRoom(s, domain.RoomID(p.RoomID))
	case *protocol.LeaveRoomPayload:
		m.handleLeaveRoom(s, domain.RoomID(p.RoomID))
	case *protocol.SendMessagePayload:
		m.handleSendMessage(s, p)
	case *protocol.GetMessagesPayload:
		m.handleGetMessages(s, p)
	default:
		// DecodeClientFrame only emits the payloads above; reaching this
		// arm means a frame kind was added without a handler.
		m.protocolStrike(s, fmt.Errorf("%w: unhandled %q", errors.ErrUnknownFrame, frameType))
	}
}

func (m *Manager) handleAuthenticate(s *Session, p *protocol.AuthenticatePayload) {
	if s.account != "" {
		m.reply(s, protocol.Error(errors.ErrAlreadyAuthed))
		return
	}

	claims, err := m.verifier.Verify(p.Token)
	if err != nil {
		// The session stays open; the client may retry with a fresh token.
		if account, ok := m.verifier.PeekAccount(p.Token); ok {
			m.log.Debug("Rejected token", "session", s.id, "claimed_account", account, "err", err)
		}
		m.reply(s, protocol.Error(err))
		return
	}

	m.bindAccount(s, claims.Account)
	m.log.Info("Session authenticated", "session", s.id, "account", claims.Account)
	m.reply(s, protocol.Authenticated(claims.Account))
}

func (m *Manager) handleJoinRoom(s *Session, room domain.RoomID) {
	if _, member := s.rooms[room]; member {
		m.reply(s, protocol.RoomJoined(room))
		return
	}

	ctx, cancel := m.gatewayContext()
	admitted, err := m.gateway.JoinRoom(ctx, s.account, room)
	cancel()
	if err != nil {
		m.reply(s, protocol.Error(classifyGatewayErr(err)))
		return
	}
	if !admitted {
		m.reply(s, protocol.Error(errors.ErrJoinDenied))
		return
	}

	// The session may have been reaped while the store call was in flight;
	// registering it now would leave a ghost member, so undo the join.
	if s.closed.Load() {
		ctx, cancel := m.gatewayContext()
		_ = m.gateway.LeaveRoom(ctx, s.account, room)
		cancel()
		return
	}

	// Registry membership only after the store acknowledged the join.
	m.registry.Subscribe(s.id, room, s)
	s.rooms[room] = struct{}{}

	m.reply(s, protocol.RoomJoined(room))
	m.broadcaster.Broadcast(room, protocol.UserJoined(room, s.account), s.id)
}

func (m *Manager) handleLeaveRoom(s *Session, room domain.RoomID) {
	if _, member := s.rooms[room]; !member {
		// Leaving a room twice is not an error and changes nothing.
		m.reply(s, protocol.RoomLeft(room))
		return
	}

	ctx, cancel := m.gatewayContext()
	err := m.gateway.LeaveRoom(ctx, s.account, room)
	cancel()
	if err != nil {
		m.reply(s, protocol.Error(classifyGatewayErr(err)))
		return
	}

	m.registry.Unsubscribe(s.id, room)
	delete(s.rooms, room)

	m.reply(s, protocol.RoomLeft(room))
	m.broadcaster.Broadcast(room, protocol.UserLeft(room, s.account), s.id)
}

// handleSendMessage gates in strict order: membership, rate limit (before
// content work so throttled traffic costs nothing to sanitize), validation.
// Persistence must succeed before any broadcast.
func (m *Manager) handleSendMessage(s *Session, p *protocol.SendMessagePayload) {
	room := domain.RoomID(p.RoomID)
	if _, member := s.rooms[room]; !member {
		m.monitoring.MessageRejected()
		m.reply(s, protocol.Error(errors.ErrNotAMember))
		return
	}

	if err := m.limiter.Admit(s.account); err != nil {
		m.monitoring.MessageRejected()
		m.reply(s, protocol.Error(err))
		return
	}

	if err := m.guard.Validate(p.Content); err != nil {
		m.monitoring.MessageRejected()
		m.reply(s, protocol.Error(err))
		return
	}
	content := m.guard.Clean(p.Content)

	ctx, cancel := m.gatewayContext()
	msg, err := m.gateway.RecordMessage(ctx, s.account, room, content, domain.NormalizeContentType(p.ContentType))
	cancel()
	if err != nil {
		m.monitoring.MessageRejected()
		m.reply(s, protocol.Error(classifyGatewayErr(err)))
		return
	}

	m.monitoring.MessageAccepted()
	m.reply(s, protocol.MessageSent(msg))
	m.broadcaster.Broadcast(room, protocol.NewMessage(msg), s.id)
}

func (m *Manager) handleGetMessages(s *Session, p *protocol.GetMessagesPayload) {
	room := domain.RoomID(p.RoomID)
	if !domain.ValidRoomID(room) {
		m.reply(s, protocol.Error(errors.ErrInvalidRoom))
		return
	}

	limit := p.Limit
	if limit <= 0 || limit > m.opts.HistoryLimit {
		limit = m.opts.HistoryLimit
	}

	ctx, cancel := m.gatewayContext()
	messages, err := m.gateway.FetchHistory(ctx, room, limit, p.Offset)
	cancel()
	if err != nil {
		m.reply(s, protocol.Error(classifyGatewayErr(err)))
		return
	}

	// The store hands back newest-first; clients read chronologically.
	m.reply(s, protocol.MessageHistory(room, lo.Reverse(messages)))
}

func (m *Manager) protocolStrike(s *Session, err error) {
	s.strikes++
	m.reply(s, protocol.Error(err))
	if s.strikes >= maxProtocolStrikes {
		m.log.Warn("Closing session after repeated protocol errors",
			"session", s.id, "strikes", s.strikes)
		s.Close()
		m.Disconnect(s)
	}
}

// reply delivers directly to the session, bypassing room fan-out.
func (m *Manager) reply(s *Session, frame protocol.ServerFrame) {
	if err := s.Consume(frame); err != nil {
		m.log.Debug("Failed to queue reply", "session", s.id, "frame", frame.Type, "err", err)
	}
}

func (m *Manager) gatewayContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.GatewayTimeout)
}

// classifyGatewayErr folds store failures into the error taxonomy; a call
// that outlived its deadline is a timeout, everything else a plain failure.
func classifyGatewayErr(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errors.ErrGatewayTimeout, err)
	}
	if stderrors.Is(err, errors.ErrGatewayFailure) ||
		stderrors.Is(err, errors.ErrGatewayTimeout) ||
		stderrors.Is(err, errors.ErrInvalidRoom) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrGatewayFailure, err)
}

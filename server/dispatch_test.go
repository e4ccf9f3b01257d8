package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ethshot-chat/auth"
	"ethshot-chat/domain"
	"ethshot-chat/moderation"
	"ethshot-chat/observability"
	"ethshot-chat/protocol"
	"ethshot-chat/ratelimit"
	"ethshot-chat/runtime"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "dispatch_test_shared_secret"
	walletS1   = "0xaaaa000000000000000000000000000000000aaa"
	walletS2   = "0xbbbb000000000000000000000000000000000bbb"
)

type recordedMessage struct {
	Account     string
	Room        domain.RoomID
	Content     string
	ContentType domain.ContentType
}

// fakeGateway is a programmable stand-in for the external store.
type fakeGateway struct {
	mu         sync.Mutex
	joinDenied bool
	joinErr    error
	leaveErr   error
	recordErr  error
	historyErr error
	history    []domain.Message

	joins       []domain.RoomID
	leaves      []domain.RoomID
	records     []recordedMessage
	fetchLimits []int
}

func (g *fakeGateway) JoinRoom(_ context.Context, _ string, room domain.RoomID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joinErr != nil {
		return false, g.joinErr
	}
	if g.joinDenied {
		return false, nil
	}
	g.joins = append(g.joins, room)
	return true, nil
}

func (g *fakeGateway) LeaveRoom(_ context.Context, _ string, room domain.RoomID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leaveErr != nil {
		return g.leaveErr
	}
	g.leaves = append(g.leaves, room)
	return nil
}

func (g *fakeGateway) RecordMessage(_ context.Context, account string, room domain.RoomID, content string, contentType domain.ContentType) (domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recordErr != nil {
		return domain.Message{}, g.recordErr
	}
	g.records = append(g.records, recordedMessage{account, room, content, contentType})
	return domain.Message{
		ID:          uuid.New(),
		Room:        room,
		Sender:      account,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) FetchHistory(_ context.Context, _ domain.RoomID, limit, _ int) ([]domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchLimits = append(g.fetchLimits, limit)
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	return g.history, nil
}

func (g *fakeGateway) recordCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

type fixture struct {
	manager  *Manager
	gateway  *fakeGateway
	limiter  *ratelimit.Limiter
	registry *runtime.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	verifier, err := auth.NewVerifier("", testSecret, log)
	require.NoError(t, err)

	guard := moderation.NewGuard(500, nil)
	limiter := ratelimit.NewLimiter(10, time.Minute)
	registry := runtime.NewRegistry()
	broadcaster := runtime.NewBroadcaster(log, registry)
	gateway := &fakeGateway{}
	monitoring := observability.NewMonitoringManager(log)

	manager := NewManager(log, Options{
		GatewayTimeout: time.Second,
		HistoryLimit:   50,
		SendBufferSize: 64,
		ReadLimit:      1024,
	}, verifier, guard, limiter, registry, broadcaster, gateway, monitoring)

	return &fixture{manager: manager, gateway: gateway, limiter: limiter, registry: registry}
}

func signToken(t *testing.T, wallet string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"wallet_address": wallet,
		"exp":            time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

// nextFrame pops the next queued outbound frame. Handling is synchronous,
// so anything owed to the session is already in its buffer.
func nextFrame(t *testing.T, s *Session) protocol.ServerFrame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	default:
		t.Fatal("expected a queued frame, found none")
		return protocol.ServerFrame{}
	}
}

func noFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.send:
		t.Fatalf("expected no queued frame, found %s", f.Type)
	default:
	}
}

// connect wires a transport-less session and swallows the greeting.
func (f *fixture) connect(t *testing.T) *Session {
	t.Helper()
	s := f.manager.Connect(nil)
	greeting := nextFrame(t, s)
	require.Equal(t, protocol.TypeConnected, greeting.Type)
	require.Equal(t, s.ID(), greeting.SessionID)
	require.False(t, greeting.Timestamp.IsZero())
	return s
}

func (f *fixture) authenticate(t *testing.T, s *Session, wallet string) {
	t.Helper()
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "authenticate", "token": signToken(t, wallet)}))
	authed := nextFrame(t, s)
	require.Equal(t, protocol.TypeAuthenticated, authed.Type)
	require.Equal(t, wallet, authed.AccountID)
}

func (f *fixture) join(t *testing.T, s *Session, room string) {
	t.Helper()
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "join_room", "roomId": room}))
	joined := nextFrame(t, s)
	require.Equal(t, protocol.TypeRoomJoined, joined.Type)
	require.Equal(t, room, joined.RoomID)
}

func TestDispatch_AuthRequiredAtBoundary(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)

	// Every operation except authenticate and ping is rejected uniformly.
	for _, fields := range []map[string]any{
		{"type": "join_room", "roomId": "global"},
		{"type": "leave_room", "roomId": "global"},
		{"type": "send_message", "roomId": "global", "content": "gm"},
		{"type": "get_messages", "roomId": "global"},
	} {
		f.manager.HandleFrame(s, frame(t, fields))
		errFrame := nextFrame(t, s)
		require.Equal(t, protocol.TypeError, errFrame.Type)
		require.Equal(t, protocol.CodeAuth, errFrame.Code)
	}
	require.Zero(t, f.gateway.recordCount())
}

func TestDispatch_PingWorksUnauthenticated(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "ping"}))
	pong := nextFrame(t, s)
	require.Equal(t, protocol.TypePong, pong.Type)
	require.False(t, pong.Timestamp.IsZero())
}

func TestDispatch_AuthenticateLowercasesAccount(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)

	mixed := "0xAAAA000000000000000000000000000000000AAA"
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "authenticate", "token": signToken(t, mixed)}))
	authed := nextFrame(t, s)
	require.Equal(t, protocol.TypeAuthenticated, authed.Type)
	require.Equal(t, walletS1, authed.AccountID)
}

// A failed authentication leaves the session open for another try.
func TestDispatch_FailedAuthAllowsRetry(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "authenticate", "token": "garbage"}))
	errFrame := nextFrame(t, s)
	req.Equal(protocol.TypeError, errFrame.Type)
	req.Equal(protocol.CodeAuth, errFrame.Code)

	f.authenticate(t, s, walletS1)
	req.Equal(1, f.manager.Connections())
}

// Identity is immutable once set.
func TestDispatch_SecondAuthenticateRejected(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "authenticate", "token": signToken(t, walletS2)}))
	errFrame := nextFrame(t, s)
	require.Equal(t, protocol.TypeError, errFrame.Type)
	require.Equal(t, protocol.CodeAuth, errFrame.Code)
	require.Equal(t, walletS1, s.Account())
}

func TestDispatch_JoinDeniedKeepsMembershipUnchanged(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	f.gateway.joinDenied = true
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "join_room", "roomId": "global"}))
	errFrame := nextFrame(t, s)
	req.Equal(protocol.TypeError, errFrame.Type)
	req.Equal(protocol.CodeMembership, errFrame.Code)

	// Not a member: sending still fails.
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "gm"}))
	errFrame = nextFrame(t, s)
	req.Equal(protocol.CodeMembership, errFrame.Code)
	req.Zero(f.gateway.recordCount())
}

func TestDispatch_JoinNotifiesExistingMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s1 := f.connect(t)
	f.authenticate(t, s1, walletS1)
	f.join(t, s1, "global")

	s2 := f.connect(t)
	f.authenticate(t, s2, walletS2)
	f.join(t, s2, "global")

	joined := nextFrame(t, s1)
	req.Equal(protocol.TypeUserJoined, joined.Type)
	req.Equal(walletS2, joined.AccountID)
	req.Equal("global", joined.RoomID)

	// The joiner does not hear about itself.
	noFrame(t, s2)
}

// The sender gets a direct ack with the durable id; the broadcast echo goes
// to everyone else.
func TestDispatch_SendMessageFanout(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s1 := f.connect(t)
	f.authenticate(t, s1, walletS1)
	f.join(t, s1, "global")

	s2 := f.connect(t)
	f.authenticate(t, s2, walletS2)
	f.join(t, s2, "global")
	nextFrame(t, s1) // user_joined for s2

	f.manager.HandleFrame(s1, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "gm"}))

	ack := nextFrame(t, s1)
	req.Equal(protocol.TypeMessageSent, ack.Type)
	req.NotEmpty(ack.MessageID)
	req.Equal("global", ack.RoomID)

	delivered := nextFrame(t, s2)
	req.Equal(protocol.TypeNewMessage, delivered.Type)
	req.Equal("gm", delivered.Content)
	req.Equal("global", delivered.RoomID)
	req.Equal(walletS1, delivered.AccountID)
	req.NotEmpty(delivered.MessageID)
	req.Equal(ack.MessageID, delivered.MessageID)

	// The sender never receives its own new_message.
	noFrame(t, s1)
}

func TestDispatch_EleventhMessageRateLimited(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)
	f.join(t, s, "global")

	for i := 0; i < 10; i++ {
		f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": fmt.Sprintf("msg %d", i)}))
		ack := nextFrame(t, s)
		req.Equal(protocol.TypeMessageSent, ack.Type)
	}

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "one too many"}))
	errFrame := nextFrame(t, s)
	req.Equal(protocol.TypeError, errFrame.Type)
	req.Equal(protocol.CodeRateLimit, errFrame.Code)

	// The throttled message was never persisted.
	req.Equal(10, f.gateway.recordCount())
}

func TestDispatch_RejectedContentHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)
	f.join(t, s, "global")

	observer := f.connect(t)
	f.authenticate(t, observer, walletS2)
	f.join(t, observer, "global")
	nextFrame(t, s) // user_joined

	for _, content := range []string{
		"<script>alert(1)</script>",
		"javascript:alert(1)",
		"x onload=alert(1)",
	} {
		f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": content}))
		errFrame := nextFrame(t, s)
		require.Equal(t, protocol.TypeError, errFrame.Type, content)
		require.Equal(t, protocol.CodeValidation, errFrame.Code, content)
	}

	require.Zero(t, f.gateway.recordCount())
	noFrame(t, observer)
}

// Persistence-before-broadcast: a store failure means nobody hears the
// message.
func TestDispatch_NoBroadcastWhenPersistenceFails(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(t)
	f.authenticate(t, s1, walletS1)
	f.join(t, s1, "global")

	s2 := f.connect(t)
	f.authenticate(t, s2, walletS2)
	f.join(t, s2, "global")
	nextFrame(t, s1) // user_joined

	f.gateway.recordErr = fmt.Errorf("store exploded")
	f.manager.HandleFrame(s1, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "gm"}))

	errFrame := nextFrame(t, s1)
	require.Equal(t, protocol.TypeError, errFrame.Type)
	require.Equal(t, protocol.CodeGateway, errFrame.Code)
	noFrame(t, s2)
}

func TestDispatch_GatewayTimeoutIsDistinguished(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)
	f.join(t, s, "global")

	f.gateway.recordErr = context.DeadlineExceeded
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "gm"}))
	errFrame := nextFrame(t, s)
	require.Equal(t, protocol.CodeGateway, errFrame.Code)
}

func TestDispatch_HistoryReturnedChronologically(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	now := time.Now().UTC()
	// The store hands back newest-first.
	f.gateway.history = []domain.Message{
		{ID: uuid.New(), Room: "global", Sender: walletS2, Content: "third", ContentType: domain.ContentText, CreatedAt: now},
		{ID: uuid.New(), Room: "global", Sender: walletS1, Content: "second", ContentType: domain.ContentText, CreatedAt: now.Add(-time.Minute)},
		{ID: uuid.New(), Room: "global", Sender: walletS1, Content: "first", ContentType: domain.ContentText, CreatedAt: now.Add(-2 * time.Minute)},
	}

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "get_messages", "roomId": "global"}))
	history := nextFrame(t, s)
	req.Equal(protocol.TypeMessageHistory, history.Type)
	req.Equal("global", history.RoomID)
	req.Len(history.Messages, 3)
	req.Equal("first", history.Messages[0].Content)
	req.Equal("second", history.Messages[1].Content)
	req.Equal("third", history.Messages[2].Content)
}

// Leaving a room twice produces no error and no membership change.
func TestDispatch_LeaveRoomIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)
	f.join(t, s, "global")

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "leave_room", "roomId": "global"}))
	left := nextFrame(t, s)
	req.Equal(protocol.TypeRoomLeft, left.Type)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "leave_room", "roomId": "global"}))
	left = nextFrame(t, s)
	req.Equal(protocol.TypeRoomLeft, left.Type)

	// Only one leave reached the store.
	req.Len(f.gateway.leaves, 1)
}

func TestDispatch_ProtocolStrikesCloseSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)

	for i := 0; i < maxProtocolStrikes; i++ {
		f.manager.HandleFrame(s, []byte("{not json"))
		errFrame := nextFrame(t, s)
		req.Equal(protocol.CodeProtocol, errFrame.Code)
	}

	req.Zero(f.manager.Connections())
}

func TestDispatch_ValidFrameResetsStrikes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)

	for round := 0; round < 3; round++ {
		for i := 0; i < maxProtocolStrikes-1; i++ {
			f.manager.HandleFrame(s, frame(t, map[string]any{"type": "launch_missiles"}))
			nextFrame(t, s)
		}
		f.manager.HandleFrame(s, frame(t, map[string]any{"type": "ping"}))
		req.Equal(protocol.TypePong, nextFrame(t, s).Type)
	}
	req.Equal(1, f.manager.Connections())
}

func TestDispatch_MissingFieldsIsProtocolError(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "send_message", "content": "gm"}))
	errFrame := nextFrame(t, s)
	require.Equal(t, protocol.CodeProtocol, errFrame.Code)
}

func TestDisconnect_ReleasesRoomsAndNotifies(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s1 := f.connect(t)
	f.authenticate(t, s1, walletS1)
	f.join(t, s1, "global")

	s2 := f.connect(t)
	f.authenticate(t, s2, walletS2)
	f.join(t, s2, "global")
	nextFrame(t, s1) // user_joined

	f.manager.Disconnect(s2)

	left := nextFrame(t, s1)
	req.Equal(protocol.TypeUserLeft, left.Type)
	req.Equal(walletS2, left.AccountID)
	req.Len(f.gateway.leaves, 1)
	req.Equal(1, f.manager.Connections())

	// Running the cleanup again is harmless.
	f.manager.Disconnect(s2)
	req.Len(f.gateway.leaves, 1)
}

// The rate-limit window survives while the account still has another live
// session and is dropped with the last one.
func TestDisconnect_DropsWindowWithLastSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s1 := f.connect(t)
	f.authenticate(t, s1, walletS1)
	f.join(t, s1, "global")
	f.manager.HandleFrame(s1, frame(t, map[string]any{"type": "send_message", "roomId": "global", "content": "gm"}))
	nextFrame(t, s1)

	s2 := f.connect(t)
	f.authenticate(t, s2, walletS1)

	f.manager.Disconnect(s1)
	req.Equal(1, f.limiter.Pending(walletS1), "window survives the first disconnect")

	f.manager.Disconnect(s2)
	req.Zero(f.limiter.Pending(walletS1), "window dropped with the last session")
}

// A session reaped while its join is in flight at the store must not end up
// registered as a room member afterwards.
func TestDisconnect_DuringJoinLeavesNoGhostMember(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	// Disconnect lands first; the handler then completes the join attempt
	// against an already-closed session and must back out.
	f.manager.Disconnect(s)
	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "join_room", "roomId": "global"}))

	req.Zero(f.registry.Members("global"))
	// The store-side join was undone, not left dangling.
	req.Len(f.gateway.leaves, 1)

	// And if a subscription does slip in between the close check and the
	// registry write, the next disconnect sweeps it unconditionally.
	f.registry.Subscribe(s.ID(), "global", s)
	f.manager.Disconnect(s)
	req.Zero(f.registry.Members("global"))
	req.Zero(f.manager.Connections())
}

// Reaping a session mid-authentication must neither race on the identity
// field nor leave an account-session count behind.
func TestDisconnect_ConcurrentWithAuthenticate(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	for i := 0; i < 20; i++ {
		s := f.connect(t)
		raw := frame(t, map[string]any{"type": "authenticate", "token": signToken(t, walletS1)})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.manager.HandleFrame(s, raw)
		}()
		go func() {
			defer wg.Done()
			f.manager.Disconnect(s)
		}()
		wg.Wait()
		f.manager.Disconnect(s)
	}

	req.Zero(f.manager.Connections())
}

func TestDispatch_HistoryLimitClamped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	for _, limit := range []int{10000, 0, -3, 10} {
		f.manager.HandleFrame(s, frame(t, map[string]any{"type": "get_messages", "roomId": "global", "limit": limit}))
		req.Equal(protocol.TypeMessageHistory, nextFrame(t, s).Type)
	}

	// Out-of-range values are clamped to the server cap; in-range values
	// pass through.
	req.Equal([]int{50, 50, 50, 10}, f.gateway.fetchLimits)
}

func TestDispatch_GetMessagesRejectsMalformedRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.connect(t)
	f.authenticate(t, s, walletS1)

	f.manager.HandleFrame(s, frame(t, map[string]any{"type": "get_messages", "roomId": "global:0aux"}))
	errFrame := nextFrame(t, s)
	req.Equal(protocol.TypeError, errFrame.Type)
	req.Equal(protocol.CodeValidation, errFrame.Code)
	req.Empty(f.gateway.fetchLimits)
}

// Best-effort cleanup: a failing store must not break the close path.
func TestDisconnect_SurvivesGatewayFailure(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s := f.connect(t)
	f.authenticate(t, s, walletS1)
	f.join(t, s, "global")

	f.gateway.leaveErr = fmt.Errorf("store unavailable")
	f.manager.Disconnect(s)
	req.Zero(f.manager.Connections())
}

package protocol

import (
	stderrors "errors"
	"time"

	"ethshot-chat/domain"
	"ethshot-chat/errors"

	"github.com/samber/lo"
)

// ServerFrame is the outbound envelope. One flat shape with omitted empty
// fields keeps the wire format symmetric with the client side; constructors
// below are the only way frames are built, so every frame carries a
// timestamp.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	SessionID   string         `json:"sessionId,omitempty"`
	AccountID   string         `json:"accountId,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
	MessageID   string         `json:"id,omitempty"`
	Content     string         `json:"content,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Messages    []MessageEntry `json:"messages,omitempty"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// MessageEntry is one history element inside a message_history frame.
type MessageEntry struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	AccountID   string    `json:"accountId"`
	Content     string    `json:"content"`
	ContentType string    `json:"contentType"`
	Timestamp   time.Time `json:"timestamp"`
}

func Connected(sessionID string) ServerFrame {
	return ServerFrame{Type: TypeConnected, Timestamp: time.Now().UTC(), SessionID: sessionID}
}

func Authenticated(account string) ServerFrame {
	return ServerFrame{Type: TypeAuthenticated, Timestamp: time.Now().UTC(), AccountID: account}
}

func RoomJoined(room domain.RoomID) ServerFrame {
	return ServerFrame{Type: TypeRoomJoined, Timestamp: time.Now().UTC(), RoomID: string(room)}
}

func RoomLeft(room domain.RoomID) ServerFrame {
	return ServerFrame{Type: TypeRoomLeft, Timestamp: time.Now().UTC(), RoomID: string(room)}
}

func NewMessage(msg domain.Message) ServerFrame {
	return ServerFrame{
		Type:        TypeNewMessage,
		Timestamp:   time.Now().UTC(),
		MessageID:   msg.ID.String(),
		RoomID:      string(msg.Room),
		AccountID:   msg.Sender,
		Content:     msg.Content,
		ContentType: string(msg.ContentType),
	}
}

// MessageSent is the direct acknowledgment to the sender. The sender never
// receives its own new_message broadcast; the durable id travels here.
func MessageSent(msg domain.Message) ServerFrame {
	return ServerFrame{
		Type:      TypeMessageSent,
		Timestamp: time.Now().UTC(),
		MessageID: msg.ID.String(),
		RoomID:    string(msg.Room),
	}
}

func UserJoined(room domain.RoomID, account string) ServerFrame {
	return ServerFrame{Type: TypeUserJoined, Timestamp: time.Now().UTC(), RoomID: string(room), AccountID: account}
}

func UserLeft(room domain.RoomID, account string) ServerFrame {
	return ServerFrame{Type: TypeUserLeft, Timestamp: time.Now().UTC(), RoomID: string(room), AccountID: account}
}

// MessageHistory carries prior messages in chronological order.
func MessageHistory(room domain.RoomID, messages []domain.Message) ServerFrame {
	return ServerFrame{
		Type:      TypeMessageHistory,
		Timestamp: time.Now().UTC(),
		RoomID:    string(room),
		Messages: lo.Map(messages, func(m domain.Message, _ int) MessageEntry {
			return MessageEntry{
				ID:          m.ID.String(),
				RoomID:      string(m.Room),
				AccountID:   m.Sender,
				Content:     m.Content,
				ContentType: string(m.ContentType),
				Timestamp:   m.CreatedAt,
			}
		}),
	}
}

func Pong() ServerFrame {
	return ServerFrame{Type: TypePong, Timestamp: time.Now().UTC()}
}

func Error(err error) ServerFrame {
	return ServerFrame{
		Type:      TypeError,
		Timestamp: time.Now().UTC(),
		Code:      CodeFor(err),
		Message:   err.Error(),
	}
}

// Error codes kept stable so clients can branch on them (e.g. back off on
// rate_limited).
const (
	CodeAuth       = "auth"
	CodeValidation = "validation"
	CodeRateLimit  = "rate_limited"
	CodeMembership = "membership"
	CodeGateway    = "gateway"
	CodeProtocol   = "protocol"
	CodeInternal   = "internal"
)

// CodeFor classifies an error into its wire code.
func CodeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrAuthRequired),
		stderrors.Is(err, errors.ErrInvalidToken),
		stderrors.Is(err, errors.ErrNoVerifier),
		stderrors.Is(err, errors.ErrAlreadyAuthed),
		stderrors.Is(err, errors.ErrNoAccountInToken):
		return CodeAuth
	case stderrors.Is(err, errors.ErrEmptyContent),
		stderrors.Is(err, errors.ErrContentTooLong),
		stderrors.Is(err, errors.ErrSuspiciousContent),
		stderrors.Is(err, errors.ErrInvalidRoom):
		return CodeValidation
	case stderrors.Is(err, errors.ErrRateLimited):
		return CodeRateLimit
	case stderrors.Is(err, errors.ErrNotAMember),
		stderrors.Is(err, errors.ErrJoinDenied):
		return CodeMembership
	case stderrors.Is(err, errors.ErrGatewayFailure),
		stderrors.Is(err, errors.ErrGatewayTimeout):
		return CodeGateway
	case stderrors.Is(err, errors.ErrMalformedFrame),
		stderrors.Is(err, errors.ErrUnknownFrame),
		stderrors.Is(err, errors.ErrMissingFields):
		return CodeProtocol
	default:
		return CodeInternal
	}
}

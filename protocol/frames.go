// Package protocol defines the JSON wire envelope exchanged with clients.
// The set of frame kinds is closed: the dispatcher matches exhaustively and
// anything outside the set is a protocol error, never a silent drop.
package protocol

import (
	"encoding/json"
	"fmt"

	"ethshot-chat/errors"

	"github.com/go-playground/validator/v10"
)

type FrameType string

// Client → server frame kinds.
const (
	TypeAuthenticate FrameType = "authenticate"
	TypeJoinRoom     FrameType = "join_room"
	TypeLeaveRoom    FrameType = "leave_room"
	TypeSendMessage  FrameType = "send_message"
	TypeGetMessages  FrameType = "get_messages"
	TypePing         FrameType = "ping"
)

// Server → client frame kinds.
const (
	TypeConnected      FrameType = "connected"
	TypeAuthenticated  FrameType = "authenticated"
	TypeRoomJoined     FrameType = "room_joined"
	TypeRoomLeft       FrameType = "room_left"
	TypeNewMessage     FrameType = "new_message"
	TypeMessageSent    FrameType = "message_sent"
	TypeUserJoined     FrameType = "user_joined"
	TypeUserLeft       FrameType = "user_left"
	TypeMessageHistory FrameType = "message_history"
	TypePong           FrameType = "pong"
	TypeError          FrameType = "error"
)

var validate = validator.New()

// envelope is the minimal view used to pick the payload type.
type envelope struct {
	Type FrameType `json:"type"`
}

type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type SendMessagePayload struct {
	RoomID      string `json:"roomId" validate:"required,max=64"`
	Content     string `json:"content" validate:"required"`
	ContentType string `json:"contentType" validate:"omitempty,oneof=text emote"`
}

type GetMessagesPayload struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
	// Limit is clamped server-side; out-of-range values are not a protocol
	// error.
	Limit  int    `json:"limit"`
	Offset int    `json:"offset" validate:"gte=0"`
}

type PingPayload struct{}

// DecodeClientFrame parses a raw frame into its typed payload.
// Unparseable JSON maps to ErrMalformedFrame, an unrecognized type to
// ErrUnknownFrame, and failed field validation to ErrMissingFields.
func DecodeClientFrame(raw []byte) (FrameType, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}

	var payload any
	switch env.Type {
	case TypeAuthenticate:
		payload = &AuthenticatePayload{}
	case TypeJoinRoom:
		payload = &JoinRoomPayload{}
	case TypeLeaveRoom:
		payload = &LeaveRoomPayload{}
	case TypeSendMessage:
		payload = &SendMessagePayload{}
	case TypeGetMessages:
		payload = &GetMessagesPayload{}
	case TypePing:
		return TypePing, &PingPayload{}, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", errors.ErrUnknownFrame, string(env.Type))
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}
	if err := validate.Struct(payload); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %v", errors.ErrMissingFields, err)
	}
	return env.Type, payload, nil
}

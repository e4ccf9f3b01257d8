// Package domain contains core concepts of the chat system.
// This file defines Message values and related rules.
// Messages are immutable once recorded; the durable ID is assigned by the store.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContentType labels how a message body should be rendered.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentEmote ContentType = "emote"
)

// Message represents an immutable chat event flowing through
// validation, persistence and fan-out.
type Message struct {
	ID          uuid.UUID
	Room        RoomID
	Sender      string
	Content     string
	ContentType ContentType
	CreatedAt   time.Time
}

// NormalizeContentType maps an optional client-declared content type to a
// known label, defaulting to plain text.
func NormalizeContentType(s string) ContentType {
	switch ContentType(s) {
	case ContentEmote:
		return ContentEmote
	default:
		return ContentText
	}
}

// Package storage is the persistence gateway: the narrow contract the core
// needs from the durable store. The store enforces authorization and room
// capacity; the core only relays its verdicts.
package storage

import (
	"context"

	"ethshot-chat/domain"
)

// IPersistenceGateway is everything the messaging core asks of the store.
// All calls are scoped to the authenticated caller's identity and bounded by
// the caller's context; failures are surfaced, never silently retried here.
type IPersistenceGateway interface {
	// JoinRoom returns false when the join is denied (room full or
	// unavailable); an error means the store itself failed.
	JoinRoom(ctx context.Context, account string, room domain.RoomID) (bool, error)
	LeaveRoom(ctx context.Context, account string, room domain.RoomID) error
	// RecordMessage durably records the message and returns it with the
	// assigned id and timestamp.
	RecordMessage(ctx context.Context, account string, room domain.RoomID, content string, contentType domain.ContentType) (domain.Message, error)
	// FetchHistory returns prior messages newest-first; callers reverse to
	// chronological order before handing them to a client.
	FetchHistory(ctx context.Context, room domain.RoomID, limit, offset int) ([]domain.Message, error)
}

package runtime

import (
	"log/slog"

	"ethshot-chat/contract"
	"ethshot-chat/domain"
	"ethshot-chat/protocol"
)

// Broadcaster delivers a frame to every registered member of a room.
//
// Delivery is best-effort per connection: a failed write to one sink is
// logged and must not prevent delivery to the others. Broadcaster is not a
// message broker; there are no retries and no durability.
type Broadcaster struct {
	log      *slog.Logger
	registry contract.IRegistry
}

func NewBroadcaster(log *slog.Logger, registry contract.IRegistry) *Broadcaster {
	return &Broadcaster{log: log, registry: registry}
}

// Broadcast fans the frame out to the room, skipping excludeSessionID when
// non-empty (a sender does not receive an echo of its own message).
// Returns the number of sinks that accepted the frame.
func (b *Broadcaster) Broadcast(roomID domain.RoomID, frame protocol.ServerFrame, excludeSessionID string) int {
	delivered := 0
	for _, member := range b.registry.SinksForRoom(roomID) {
		if excludeSessionID != "" && member.SessionID == excludeSessionID {
			continue
		}
		if err := member.Sink.Consume(frame); err != nil {
			b.log.Warn("dropping frame for slow or closed session",
				"session", member.SessionID, "room", roomID, "frame", frame.Type, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

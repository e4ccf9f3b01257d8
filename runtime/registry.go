// Package runtime owns the in-memory fan-out plane: which sessions are in
// which rooms, and how server frames reach them. It mirrors membership the
// persistence layer has acknowledged; it is never a security boundary.
package runtime

import (
	"sync"

	"ethshot-chat/contract"
	"ethshot-chat/domain"
)

type set map[string]struct{}

// Registry maps rooms to subscribed session ids and session ids to their
// sinks. Keyed by session rather than account so one wallet can hold
// several live connections, each with its own delivery queue.
type Registry struct {
	mu          sync.RWMutex
	sinks       map[string]contract.EventSink
	roomMembers map[domain.RoomID]set
	memberRooms map[string]map[domain.RoomID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sinks:       make(map[string]contract.EventSink),
		roomMembers: make(map[domain.RoomID]set),
		memberRooms: make(map[string]map[domain.RoomID]struct{}),
	}
}

// SinksForRoom resolves the room's member sessions into their sinks.
// Returns nil if the room doesn't exist or has no members.
func (r *Registry) SinksForRoom(roomID domain.RoomID) []contract.RoomSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.roomMembers[roomID]
	if !ok {
		return nil
	}
	var active []contract.RoomSink
	for sessionID := range members {
		if sink, exists := r.sinks[sessionID]; exists {
			active = append(active, contract.RoomSink{SessionID: sessionID, Sink: sink})
		}
	}
	return active
}

// Subscribe registers a session's sink and adds the session to the room.
// Rooms are initialized on the fly; callers only subscribe after the
// persistence layer has acknowledged the join.
func (r *Registry) Subscribe(sessionID string, roomID domain.RoomID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[sessionID] = sink

	if _, ok := r.roomMembers[roomID]; !ok {
		r.roomMembers[roomID] = make(set)
	}
	r.roomMembers[roomID][sessionID] = struct{}{}

	if _, ok := r.memberRooms[sessionID]; !ok {
		r.memberRooms[sessionID] = make(map[domain.RoomID]struct{})
	}
	r.memberRooms[sessionID][roomID] = struct{}{}
}

// Unsubscribe removes a session from one room and reports whether it was a
// member. Empty rooms are pruned so the map does not leak over time.
// Idempotent: a second call for the same room is a no-op.
func (r *Registry) Unsubscribe(sessionID string, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(sessionID, roomID)
}

// UnsubscribeAll drops the session's sink and clears it from every room it
// joined, returning those rooms so the caller can emit leave notifications.
func (r *Registry) UnsubscribeAll(sessionID string) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []domain.RoomID
	for roomID := range r.memberRooms[sessionID] {
		if r.unsubscribeLocked(sessionID, roomID) {
			left = append(left, roomID)
		}
	}
	delete(r.sinks, sessionID)
	return left
}

func (r *Registry) unsubscribeLocked(sessionID string, roomID domain.RoomID) bool {
	members, ok := r.roomMembers[roomID]
	if !ok {
		return false
	}
	if _, member := members[sessionID]; !member {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.roomMembers, roomID)
	}

	if rooms, ok := r.memberRooms[sessionID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.memberRooms, sessionID)
		}
	}
	return true
}

// Members returns the current member count of a room.
func (r *Registry) Members(roomID domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomMembers[roomID])
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomMembers)
}

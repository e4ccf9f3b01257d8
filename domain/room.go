package domain

import "regexp"

// RoomID identifies a named channel. Room existence and capacity are
// authoritative in the persistence layer; the in-memory registry only
// mirrors membership for fan-out.
type RoomID string

// Colons are excluded: the storage layer uses ":" as its key segment
// delimiter, and a room id containing one would alias another room's keys.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidRoomID reports whether an externally-issued room identifier is
// shaped like one we are willing to store and key on.
func ValidRoomID(id RoomID) bool {
	return roomIDPattern.MatchString(string(id))
}

package contract

import (
	"context"
	"reflect"

	"ethshot-chat/domain"
	"ethshot-chat/protocol"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one live recipient of server frames, normally a session's
// outbound queue. Consume must not block; a full queue is an error the
// broadcaster logs and moves past.
type EventSink interface {
	Consume(frame protocol.ServerFrame) error
}

type IRegistry interface {
	SinksForRoom(roomID domain.RoomID) []RoomSink
	Subscribe(sessionID string, roomID domain.RoomID, sink EventSink)
	Unsubscribe(sessionID string, roomID domain.RoomID) bool
	UnsubscribeAll(sessionID string) []domain.RoomID
	Members(roomID domain.RoomID) int
}

// RoomSink pairs a sink with its owning session so broadcast exclusion can
// match on session identity rather than sink equality.
type RoomSink struct {
	SessionID string
	Sink      EventSink
}

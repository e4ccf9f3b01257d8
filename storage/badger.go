package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ethshot-chat/domain"
	"ethshot-chat/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// maxPaddedTimestamp is past any 19-digit nanosecond key component; seeking
// here with a reverse iterator lands on the newest message of a room.
const maxPaddedTimestamp = "9999999999999999999"

// BadgerGateway is the embedded store. Message keys are
// "msg:{room}:{timestamp_padded}:{uuid}":
//  1. 19-digit zero padding makes lexicographic order chronological.
//  2. The UUID disambiguates two messages landing on the same nanosecond.
//
// Membership keys are "member:{room}:{account}"; capacity checks count them
// under the room prefix. Key segments stay unambiguous because valid room
// ids never contain ":"; every method rejects room ids that fail
// domain.ValidRoomID before touching the store.
type BadgerGateway struct {
	db       *badger.DB
	log      *slog.Logger
	capacity int
}

type storedMessage struct {
	ID          string `json:"id"`
	Room        string `json:"room"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	At          int64  `json:"at"`
}

func NewBadgerGateway(db *badger.DB, log *slog.Logger, capacity int) *BadgerGateway {
	return &BadgerGateway{db: db, log: log, capacity: capacity}
}

func messageKey(room domain.RoomID, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", room, at.UnixNano(), id))
}

func memberKey(room domain.RoomID, account string) []byte {
	return []byte(fmt.Sprintf("member:%s:%s", room, account))
}

func memberPrefix(room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("member:%s:", room))
}

// JoinRoom admits the account unless the room id is malformed or the room
// is at capacity. Re-joining a room the account already belongs to is
// acknowledged without recounting.
func (g *BadgerGateway) JoinRoom(ctx context.Context, account string, room domain.RoomID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !domain.ValidRoomID(room) {
		return false, nil
	}

	admitted := false
	err := g.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(memberKey(room, account)); err == nil {
			admitted = true
			return nil
		}

		if g.capacity > 0 {
			count := 0
			prefix := memberPrefix(room)
			options := badger.DefaultIteratorOptions
			options.PrefetchValues = false
			it := txn.NewIterator(options)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				count++
			}
			if count >= g.capacity {
				return nil
			}
		}

		if err := txn.Set(memberKey(room, account), []byte{1}); err != nil {
			return err
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// LeaveRoom is idempotent; deleting an absent membership is not an error.
func (g *BadgerGateway) LeaveRoom(ctx context.Context, account string, room domain.RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(room, account))
	})
}

func (g *BadgerGateway) RecordMessage(ctx context.Context, account string, room domain.RoomID, content string, contentType domain.ContentType) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if !domain.ValidRoomID(room) {
		return domain.Message{}, errors.ErrInvalidRoom
	}

	msg := domain.Message{
		ID:          uuid.New(),
		Room:        room,
		Sender:      account,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}

	bytes, err := json.Marshal(storedMessage{
		ID:          msg.ID.String(),
		Room:        string(msg.Room),
		Sender:      msg.Sender,
		Content:     msg.Content,
		ContentType: string(msg.ContentType),
		At:          msg.CreatedAt.UnixNano(),
	})
	if err != nil {
		return domain.Message{}, err
	}

	err = g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.Room, msg.CreatedAt, msg.ID), bytes)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// FetchHistory walks the room's messages newest-first via a reverse prefix
// scan, skipping offset entries and collecting up to limit.
func (g *BadgerGateway) FetchHistory(ctx context.Context, room domain.RoomID, limit, offset int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !domain.ValidRoomID(room) {
		return nil, errors.ErrInvalidRoom
	}

	var raw [][]byte
	err := g.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("msg:%s:", room))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), []byte(maxPaddedTimestamp)...)
		skipped := 0
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(raw) == limit {
				break
			}
			if err := it.Item().Value(func(value []byte) error {
				raw = append(raw, append([]byte{}, value...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(raw))
	for _, b := range raw {
		var stored storedMessage
		if err := json.Unmarshal(b, &stored); err != nil {
			return nil, err
		}
		msg, err := toMessage(stored)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Members counts the room's durable membership. Used by tests and the
// operational surface, not the hot path.
func (g *BadgerGateway) Members(room domain.RoomID) (int, error) {
	count := 0
	err := g.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(room)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func toMessage(stored storedMessage) (domain.Message, error) {
	parsedID, err := uuid.Parse(stored.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: corrupt message id %q", errors.ErrGatewayFailure, stored.ID)
	}
	return domain.Message{
		ID:          parsedID,
		Room:        domain.RoomID(stored.Room),
		Sender:      stored.Sender,
		Content:     stored.Content,
		ContentType: domain.ContentType(stored.ContentType),
		CreatedAt:   time.Unix(0, stored.At).UTC(),
	}, nil
}

// Package badgerstore is an embedded, on-disk implementation of store.Store.
//
// Records are CBOR encoded. Keys are laid out so prefix scans return them in
// the order the core needs:
//
//	msg:{id}                       message record
//	room:{room}\0{unix_nano}:{id}  per-room index, chronological
//	rx:{message}:{identity}        reaction record, ordered by identity
//	seen:{identity}                last-seen timestamp
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Receipt and server timestamps need sub-second precision to keep order.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("badgerstore: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("badgerstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// record is the on-disk shape of a message.
type record struct {
	ID              string     `cbor:"id"`
	RoomID          string     `cbor:"room_id"`
	SenderID        string     `cbor:"sender_id"`
	Content         string     `cbor:"content"`
	Type            string     `cbor:"type"`
	ReplyTo         string     `cbor:"reply_to,omitempty"`
	ClientTimestamp time.Time  `cbor:"client_ts"`
	ServerTimestamp time.Time  `cbor:"server_ts"`
	DeliveredAt     *time.Time `cbor:"delivered_at,omitempty"`
	ReadAt          *time.Time `cbor:"read_at,omitempty"`
}

type reactionRecord struct {
	Emoji string    `cbor:"emoji"`
	At    time.Time `cbor:"at"`
}

// Store persists the core's records in BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastTS time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (or creates) a database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return New(db, opts...), nil
}

// New wraps an already opened database. Close closes it.
func New(db *badger.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "badgerstore"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

func roomPrefix(roomID string) []byte {
	return []byte("room:" + roomID + "\x00")
}

// roomKey pads the timestamp to 19 digits so lexicographic order is chronological.
// Room ids may contain ':', so the room part ends with a NUL.
func roomKey(roomID string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("room:%s\x00%019d:%s", roomID, ts.UnixNano(), id))
}

func reactionPrefix(messageID string) []byte {
	return []byte("rx:" + messageID + ":")
}

func reactionKey(messageID, identityID string) []byte {
	return []byte("rx:" + messageID + ":" + identityID)
}

func seenKey(identityID string) []byte {
	return []byte("seen:" + identityID)
}

// nextTimestamp returns a server timestamp strictly after the previous one.
func (s *Store) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	return ts
}

// CreateMessage implements store.Store.
func (s *Store) CreateMessage(ctx context.Context, msg domain.NewMessage) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if err := store.ValidateNew(msg); err != nil {
		return domain.Message{}, err
	}

	rec := record{
		ID:              uuid.NewString(),
		RoomID:          msg.RoomID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		Type:            string(msg.Type),
		ReplyTo:         msg.ReplyTo,
		ClientTimestamp: msg.ClientTimestamp,
		ServerTimestamp: s.nextTimestamp(),
	}
	value, err := encMode.Marshal(rec)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(rec.ID), value); err != nil {
			return err
		}
		return txn.Set(roomKey(rec.RoomID, rec.ServerTimestamp, rec.ID), []byte(rec.ID))
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("store message: %w", err)
	}
	return rec.toDomain(), nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, id, &rec)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return rec.toDomain(), nil
}

// RecentMessages implements store.Store. It scans the room index backwards
// from the newest entry, then reverses the page to oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	var out []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		var ids []string
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}

		out = make([]domain.Message, 0, len(ids))
		for i := len(ids) - 1; i >= 0; i-- {
			var rec record
			if err := getRecord(txn, ids[i], &rec); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, rec.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages of %s: %w", roomID, err)
	}
	return out, nil
}

// MarkDelivered implements store.Store.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.mark(ctx, id, func(rec *record) {
		rec.DeliveredAt = store.SetOnce(rec.DeliveredAt, at)
	})
}

// MarkRead implements store.Store. Reading implies delivery.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.mark(ctx, id, func(rec *record) {
		rec.DeliveredAt = store.SetOnce(rec.DeliveredAt, at)
		rec.ReadAt = store.SetOnce(rec.ReadAt, at)
	})
}

func (s *Store) mark(ctx context.Context, id string, apply func(*record)) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	var rec record
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getRecord(txn, id, &rec); err != nil {
			return err
		}
		apply(&rec)
		value, err := encMode.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(id), value)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return rec.toDomain(), nil
}

// UpsertReaction implements store.Store.
func (s *Store) UpsertReaction(ctx context.Context, r domain.Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.MessageID == "" || r.IdentityID == "" || r.Emoji == "" {
		return store.ErrInvalidInput
	}
	value, err := encMode.Marshal(reactionRecord{Emoji: r.Emoji, At: r.At.UTC()})
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(messageKey(r.MessageID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return txn.Set(reactionKey(r.MessageID, r.IdentityID), value)
	})
}

// DeleteReaction implements store.Store.
func (s *Store) DeleteReaction(ctx context.Context, messageID, identityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(reactionKey(messageID, identityID))
	})
}

// Reactions implements store.Store.
func (s *Store) Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []domain.Reaction{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := reactionPrefix(messageID)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			identity := string(item.Key()[len(prefix):])
			err := item.Value(func(value []byte) error {
				var rr reactionRecord
				if err := decMode.Unmarshal(value, &rr); err != nil {
					return err
				}
				out = append(out, domain.Reaction{
					MessageID:  messageID,
					IdentityID: identity,
					Emoji:      rr.Emoji,
					At:         rr.At,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reactions of %s: %w", messageID, err)
	}
	return out, nil
}

// UpdateLastSeen implements store.Store.
func (s *Store) UpdateLastSeen(ctx context.Context, identityID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := encMode.Marshal(at.UTC())
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seenKey(identityID), value)
	})
}

// LastSeen returns when identity was last connected.
func (s *Store) LastSeen(identityID string) (time.Time, bool) {
	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seenKey(identityID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return decMode.Unmarshal(value, &at)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			s.logger.Warn("Failed to read last seen", "identity_id", identityID, "error", err)
		}
		return time.Time{}, false
	}
	return at, true
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func getRecord(txn *badger.Txn, id string, rec *record) error {
	item, err := txn.Get(messageKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		return err
	}
	return item.Value(func(value []byte) error {
		return decMode.Unmarshal(value, rec)
	})
}

func (r record) toDomain() domain.Message {
	return domain.Message{
		ID:              r.ID,
		RoomID:          r.RoomID,
		SenderID:        r.SenderID,
		Content:         r.Content,
		Type:            domain.MessageType(r.Type),
		ReplyTo:         r.ReplyTo,
		ClientTimestamp: r.ClientTimestamp,
		ServerTimestamp: r.ServerTimestamp,
		DeliveredAt:     r.DeliveredAt,
		ReadAt:          r.ReadAt,
	}
}

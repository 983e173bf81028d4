// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps messages, reactions and last-seen timestamps in maps.
type Store struct {
	mu        sync.RWMutex
	messages  map[string]domain.Message
	rooms     map[string][]string                   // roomID -> message ids, insertion order
	reactions map[string]map[string]domain.Reaction // messageID -> identity -> reaction
	lastSeen  map[string]time.Time
	lastTS    time.Time
	now       func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:  make(map[string]domain.Message),
		rooms:     make(map[string][]string),
		reactions: make(map[string]map[string]domain.Reaction),
		lastSeen:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// CreateMessage implements store.Store.
func (s *Store) CreateMessage(ctx context.Context, msg domain.NewMessage) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if err := store.ValidateNew(msg); err != nil {
		return domain.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Server timestamps are strictly increasing so ordering by time matches insertion.
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts

	m := domain.Message{
		ID:              uuid.NewString(),
		RoomID:          msg.RoomID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		Type:            msg.Type,
		ReplyTo:         msg.ReplyTo,
		ClientTimestamp: msg.ClientTimestamp,
		ServerTimestamp: ts,
	}
	s.messages[m.ID] = m
	s.rooms[m.RoomID] = append(s.rooms[m.RoomID], m.ID)
	return m, nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, store.ErrNotFound
	}
	return m, nil
}

// RecentMessages implements store.Store.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.rooms[roomID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkDelivered implements store.Store.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.update(id, func(m *domain.Message) {
		m.DeliveredAt = store.SetOnce(m.DeliveredAt, at)
	})
}

// MarkRead implements store.Store. A read message is also delivered.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.update(id, func(m *domain.Message) {
		m.DeliveredAt = store.SetOnce(m.DeliveredAt, at)
		m.ReadAt = store.SetOnce(m.ReadAt, at)
	})
}

func (s *Store) update(id string, fn func(*domain.Message)) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, store.ErrNotFound
	}
	fn(&m)
	s.messages[id] = m
	return m, nil
}

// UpsertReaction implements store.Store.
func (s *Store) UpsertReaction(ctx context.Context, r domain.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[r.MessageID]; !ok {
		return store.ErrNotFound
	}
	if s.reactions[r.MessageID] == nil {
		s.reactions[r.MessageID] = make(map[string]domain.Reaction)
	}
	s.reactions[r.MessageID][r.IdentityID] = r
	return nil
}

// DeleteReaction implements store.Store.
func (s *Store) DeleteReaction(ctx context.Context, messageID, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return store.ErrNotFound
	}
	delete(s.reactions[messageID], identityID)
	return nil
}

// Reactions implements store.Store.
func (s *Store) Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.messages[messageID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]domain.Reaction, 0, len(s.reactions[messageID]))
	for _, r := range s.reactions[messageID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// UpdateLastSeen implements store.Store.
func (s *Store) UpdateLastSeen(ctx context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[identityID] = at.UTC()
	return nil
}

// LastSeen returns the recorded last-seen time of identityID.
func (s *Store) LastSeen(identityID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[identityID]
	return t, ok
}

// DeleteMessage removes a message and its reactions.
func (s *Store) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return
	}
	delete(s.messages, id)
	delete(s.reactions, id)
	ids := s.rooms[m.RoomID]
	for i, mid := range ids {
		if mid == id {
			s.rooms[m.RoomID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

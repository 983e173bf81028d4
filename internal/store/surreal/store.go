package surreal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/store"
)

const (
	messageTable  = "message"
	reactionTable = "reaction"
	lastSeenTable = "last_seen"

	// DefaultTimeout bounds every query that arrives without a deadline.
	DefaultTimeout = 5 * time.Second
)

var _ store.Store = (*Store)(nil)

// messageRecord is a row of the message table. The record id is message:<uid>.
type messageRecord struct {
	ID          *surrealmodels.RecordID       `json:"id,omitempty"`
	UID         string                        `json:"uid"`
	RoomID      string                        `json:"room_id"`
	SenderID    string                        `json:"sender_id"`
	Content     string                        `json:"content"`
	Type        string                        `json:"type"`
	ReplyTo     string                        `json:"reply_to,omitempty"`
	ClientTS    *surrealmodels.CustomDateTime `json:"client_ts,omitempty"`
	ServerTS    surrealmodels.CustomDateTime  `json:"server_ts"`
	DeliveredAt *surrealmodels.CustomDateTime `json:"delivered_at,omitempty"`
	ReadAt      *surrealmodels.CustomDateTime `json:"read_at,omitempty"`
}

// reactionRecord is a row of the reaction table. The record id is
// reaction:[message_id, identity_id], so an upsert replaces the previous emoji.
type reactionRecord struct {
	ID         *surrealmodels.RecordID      `json:"id,omitempty"`
	MessageID  string                       `json:"message_id"`
	IdentityID string                       `json:"identity_id"`
	Emoji      string                       `json:"emoji"`
	At         surrealmodels.CustomDateTime `json:"at"`
}

// Store keeps messages, reactions and last-seen times in SurrealDB.
type Store struct {
	db      *surrealdb.DB
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	lastTS time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides the server timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open connects to SurrealDB and returns a Store owning the connection.
func Open(ctx context.Context, endpoint, user, pass, ns, db string, opts ...Option) (*Store, error) {
	conn, err := Connect(ctx, endpoint, user, pass, ns, db)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// New wraps an open connection. Close closes it.
func New(db *surrealdb.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "surrealstore"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

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
	if err := store.ValidateNew(msg); err != nil {
		return domain.Message{}, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	id := uuid.NewString()
	data := map[string]any{
		"uid":       id,
		"room_id":   msg.RoomID,
		"sender_id": msg.SenderID,
		"content":   msg.Content,
		"type":      string(msg.Type),
		"server_ts": surrealmodels.CustomDateTime{Time: s.nextTimestamp()},
	}
	if msg.ReplyTo != "" {
		data["reply_to"] = msg.ReplyTo
	}
	if !msg.ClientTimestamp.IsZero() {
		data["client_ts"] = surrealmodels.CustomDateTime{Time: msg.ClientTimestamp.UTC()}
	}

	rec, err := queryOne[messageRecord](ctx, s.db,
		"CREATE type::thing($table, $id) CONTENT $data",
		map[string]any{"table": messageTable, "id": id, "data": data})
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	if rec == nil {
		return domain.Message{}, fmt.Errorf("failed to create message: empty result")
	}
	return rec.toDomain(), nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := queryOne[messageRecord](ctx, s.db,
		"SELECT * FROM type::thing($table, $id)",
		map[string]any{"table": messageTable, "id": id})
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	if rec == nil {
		return domain.Message{}, store.ErrNotFound
	}
	return rec.toDomain(), nil
}

// RecentMessages implements store.Store.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := query[messageRecord](ctx, s.db,
		"SELECT * FROM message WHERE room_id = $room ORDER BY server_ts DESC LIMIT $limit",
		map[string]any{"room": roomID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages of %s: %w", roomID, err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	slices.Reverse(out)
	return out, nil
}

// MarkDelivered implements store.Store.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.mark(ctx, id, "delivered_at = delivered_at ?? $at", at)
}

// MarkRead implements store.Store. Reading implies delivery.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	return s.mark(ctx, id, "delivered_at = delivered_at ?? $at, read_at = read_at ?? $at", at)
}

// mark applies a first-write-wins assignment. UPDATE on a missing record
// returns no rows.
func (s *Store) mark(ctx context.Context, id, assignment string, at time.Time) (domain.Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := queryOne[messageRecord](ctx, s.db,
		"UPDATE type::thing($table, $id) SET "+assignment+" RETURN AFTER",
		map[string]any{"table": messageTable, "id": id, "at": surrealmodels.CustomDateTime{Time: at.UTC()}})
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to mark message %s: %w", id, err)
	}
	if rec == nil {
		return domain.Message{}, store.ErrNotFound
	}
	return rec.toDomain(), nil
}

// UpsertReaction implements store.Store.
func (s *Store) UpsertReaction(ctx context.Context, r domain.Reaction) error {
	if r.MessageID == "" || r.IdentityID == "" || r.Emoji == "" {
		return store.ErrInvalidInput
	}
	if _, err := s.GetMessage(ctx, r.MessageID); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := execute(ctx, s.db,
		"UPSERT type::thing($table, [$message, $identity]) CONTENT $data",
		map[string]any{
			"table":    reactionTable,
			"message":  r.MessageID,
			"identity": r.IdentityID,
			"data": map[string]any{
				"message_id":  r.MessageID,
				"identity_id": r.IdentityID,
				"emoji":       r.Emoji,
				"at":          surrealmodels.CustomDateTime{Time: r.At.UTC()},
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upsert reaction: %w", err)
	}
	return nil
}

// DeleteReaction implements store.Store.
func (s *Store) DeleteReaction(ctx context.Context, messageID, identityID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := execute(ctx, s.db,
		"DELETE type::thing($table, [$message, $identity])",
		map[string]any{"table": reactionTable, "message": messageID, "identity": identityID})
	if err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return nil
}

// Reactions implements store.Store.
func (s *Store) Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := query[reactionRecord](ctx, s.db,
		"SELECT * FROM reaction WHERE message_id = $message ORDER BY identity_id",
		map[string]any{"message": messageID})
	if err != nil {
		return nil, fmt.Errorf("failed to load reactions of %s: %w", messageID, err)
	}
	out := make([]domain.Reaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Reaction{
			MessageID:  r.MessageID,
			IdentityID: r.IdentityID,
			Emoji:      r.Emoji,
			At:         r.At.Time,
		})
	}
	return out, nil
}

// UpdateLastSeen implements store.Store.
func (s *Store) UpdateLastSeen(ctx context.Context, identityID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := execute(ctx, s.db,
		"UPSERT type::thing($table, $identity) SET at = $at",
		map[string]any{"table": lastSeenTable, "identity": identityID, "at": surrealmodels.CustomDateTime{Time: at.UTC()}})
	if err != nil {
		s.logger.Warn("Failed to update last seen", "identity_id", identityID, "error", err)
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

func (r messageRecord) toDomain() domain.Message {
	m := domain.Message{
		ID:              r.UID,
		RoomID:          r.RoomID,
		SenderID:        r.SenderID,
		Content:         r.Content,
		Type:            domain.MessageType(r.Type),
		ReplyTo:         r.ReplyTo,
		ServerTimestamp: r.ServerTS.Time.UTC(),
		DeliveredAt:     timePtr(r.DeliveredAt),
		ReadAt:          timePtr(r.ReadAt),
	}
	if r.ClientTS != nil {
		m.ClientTimestamp = r.ClientTS.Time.UTC()
	}
	return m
}

func timePtr(dt *surrealmodels.CustomDateTime) *time.Time {
	if dt == nil || dt.IsZero() {
		return nil
	}
	t := dt.Time.UTC()
	return &t
}

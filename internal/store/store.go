package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Author identifies which side of the conversation wrote a message.
type Author string

const (
	AuthorVisitor Author = "visitor"
	AuthorAgent   Author = "agent"
)

// Session is one web conversation. A session may be bound to an agent-side
// Telegram chat (and optionally a forum topic); unbound sessions only receive
// auto-replies until an agent claims them.
type Session struct {
	ID           string
	AgentChatID  *int64
	AgentTopicID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session's TTL has elapsed. An expired session
// may still be physically present until the reaper runs; it is logically dead
// either way.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// Bound reports whether the session has an agent chat attached.
func (s *Session) Bound() bool {
	return s.AgentChatID != nil
}

// Message is one stored conversation entry. Messages are immutable and
// totally ordered per session by (created_at, id).
type Message struct {
	ID                int64
	SessionID         string
	Author            Author
	Kind              bus.Kind
	Body              string
	Caption           string
	ExternalMessageID *int64
	TopicID           *int64
	CreatedAt         time.Time
}

// AppendParams carries the fields for a message insert.
type AppendParams struct {
	SessionID         string
	Author            Author
	Kind              bus.Kind
	Body              string
	Caption           string
	ExternalMessageID *int64
	TopicID           *int64
}

// ReapResult reports what a reaper sweep deleted.
type ReapResult struct {
	Sessions int64
	Messages int64
}

// SessionStore manages session rows and their TTL semantics.
// Every write refreshes updated_at and recomputes expires_at = updated_at + TTL.
type SessionStore interface {
	// Create inserts a new session. A non-nil agentChatID pre-binds it.
	Create(ctx context.Context, agentChatID, agentTopicID *int64) (*Session, error)

	// Get returns the session or ErrNotFound. Expiry is NOT checked here;
	// callers decide whether an expired-but-present row is acceptable.
	Get(ctx context.Context, id string) (*Session, error)

	// GetByAgentChannel resolves a session from its denormalized agent
	// identity. A nil topicID matches only sessions without a topic.
	// The most recently updated match wins.
	GetByAgentChannel(ctx context.Context, chatID int64, topicID *int64) (*Session, error)

	// Bind writes the agent identity onto the session and touches it.
	Bind(ctx context.Context, id string, chatID int64, topicID *int64) error

	// Touch refreshes updated_at and expires_at from the current clock.
	// Last-writer-wins; safe under concurrent calls.
	Touch(ctx context.Context, id string) error

	// Reap deletes all expired sessions and their messages in one bounded
	// transaction.
	Reap(ctx context.Context) (ReapResult, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// Append inserts a message and touches the owning session in the same
	// transaction. Returns ErrNotFound if the session row is gone.
	Append(ctx context.Context, p AppendParams) (*Message, error)

	// List returns up to limit messages ascending by (created_at, id).
	// A session with no messages yields an empty slice, not an error.
	List(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Stores bundles the persistence backends handed to the relay.
type Stores struct {
	Sessions SessionStore
	Messages MessageStore

	closer func() error
}

// NewStores bundles backend implementations with a close function.
func NewStores(sessions SessionStore, messages MessageStore, closer func() error) *Stores {
	return &Stores{Sessions: sessions, Messages: messages, closer: closer}
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// StoreConfig selects and parameterizes a backend.
type StoreConfig struct {
	Driver      string // "sqlite" (default) or "postgres"
	Path        string // sqlite file path
	PostgresDSN string
	TTL         time.Duration // session time-to-live
}

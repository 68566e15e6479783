package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// SessionStore implements store.SessionStore on Postgres.
type SessionStore struct {
	db  *sql.DB
	ttl time.Duration
}

const sessionColumns = "id, agent_chat_id, agent_topic_id, created_at, updated_at, expires_at"

func (s *SessionStore) Create(ctx context.Context, agentChatID, agentTopicID *int64) (*store.Session, error) {
	n := now()
	sess := &store.Session{
		ID:           uuid.NewString(),
		AgentChatID:  agentChatID,
		AgentTopicID: agentTopicID,
		CreatedAt:    n,
		UpdatedAt:    n,
		ExpiresAt:    n.Add(s.ttl),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_chat_id, agent_topic_id, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, nullInt(agentChatID), nullInt(agentTopicID), n, n, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		// Malformed ids would fail the UUID column comparison with a driver
		// error; treat them as plain not-found.
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *SessionStore) GetByAgentChannel(ctx context.Context, chatID int64, topicID *int64) (*store.Session, error) {
	var row *sql.Row
	if topicID != nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE agent_chat_id = $1 AND agent_topic_id = $2
			 ORDER BY updated_at DESC LIMIT 1`, chatID, *topicID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE agent_chat_id = $1 AND agent_topic_id IS NULL
			 ORDER BY updated_at DESC LIMIT 1`, chatID)
	}
	return scanSession(row)
}

func (s *SessionStore) Bind(ctx context.Context, id string, chatID int64, topicID *int64) error {
	n := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_chat_id = $1, agent_topic_id = $2, updated_at = $3, expires_at = $4
		 WHERE id = $5`,
		chatID, nullInt(topicID), n, n.Add(s.ttl), id)
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return checkFound(res)
}

func (s *SessionStore) Touch(ctx context.Context, id string) error {
	n := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1, expires_at = $2 WHERE id = $3`,
		n, n.Add(s.ttl), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkFound(res)
}

func (s *SessionStore) touchTx(ctx context.Context, tx *sql.Tx, id string) error {
	n := now()
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1, expires_at = $2 WHERE id = $3`,
		n, n.Add(s.ttl), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkFound(res)
}

func (s *SessionStore) Reap(ctx context.Context) (store.ReapResult, error) {
	var result store.ReapResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback()

	cutoff := now()

	// The FK cascade would handle messages, but counting them explicitly
	// keeps the sweep observable in logs.
	msgRes, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE expires_at < $1)`,
		cutoff)
	if err != nil {
		return result, fmt.Errorf("reap messages: %w", err)
	}
	sessRes, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return result, fmt.Errorf("reap sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit reap: %w", err)
	}

	result.Messages, _ = msgRes.RowsAffected()
	result.Sessions, _ = sessRes.RowsAffected()
	return result, nil
}

func scanSession(row *sql.Row) (*store.Session, error) {
	var (
		sess    store.Session
		chatID  sql.NullInt64
		topicID sql.NullInt64
	)
	err := row.Scan(&sess.ID, &chatID, &topicID, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if chatID.Valid {
		sess.AgentChatID = &chatID.Int64
	}
	if topicID.Valid {
		sess.AgentTopicID = &topicID.Int64
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	return &sess, nil
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

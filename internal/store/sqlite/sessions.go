package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// SessionStore implements store.SessionStore on SQLite.
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, nullInt(agentChatID), nullInt(agentTopicID),
		n.UnixMilli(), n.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SessionStore) GetByAgentChannel(ctx context.Context, chatID int64, topicID *int64) (*store.Session, error) {
	var row *sql.Row
	if topicID != nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE agent_chat_id = ? AND agent_topic_id = ?
			 ORDER BY updated_at DESC LIMIT 1`, chatID, *topicID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE agent_chat_id = ? AND agent_topic_id IS NULL
			 ORDER BY updated_at DESC LIMIT 1`, chatID)
	}
	return scanSession(row)
}

func (s *SessionStore) Bind(ctx context.Context, id string, chatID int64, topicID *int64) error {
	n := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_chat_id = ?, agent_topic_id = ?, updated_at = ?, expires_at = ?
		 WHERE id = ?`,
		chatID, nullInt(topicID), n.UnixMilli(), n.Add(s.ttl).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return checkFound(res)
}

func (s *SessionStore) Touch(ctx context.Context, id string) error {
	n := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, expires_at = ? WHERE id = ?`,
		n.UnixMilli(), n.Add(s.ttl).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkFound(res)
}

// touchTx is Touch inside an existing transaction (used by message append).
func (s *SessionStore) touchTx(ctx context.Context, tx *sql.Tx, id string) error {
	n := now()
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, expires_at = ? WHERE id = ?`,
		n.UnixMilli(), n.Add(s.ttl).UnixMilli(), id)
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

	cutoff := now().UnixMilli()

	msgRes, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE expires_at < ?)`,
		cutoff)
	if err != nil {
		return result, fmt.Errorf("reap messages: %w", err)
	}
	sessRes, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, cutoff)
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
		sess      store.Session
		chatID    sql.NullInt64
		topicID   sql.NullInt64
		created   int64
		updated   int64
		expires   int64
	)
	err := row.Scan(&sess.ID, &chatID, &topicID, &created, &updated, &expires)
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
	sess.CreatedAt = fromMilli(created)
	sess.UpdatedAt = fromMilli(updated)
	sess.ExpiresAt = fromMilli(expires)
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

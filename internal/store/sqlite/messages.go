package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// DefaultListLimit bounds history queries when the caller passes limit <= 0.
const DefaultListLimit = 50

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db       *sql.DB
	sessions *SessionStore
}

func (m *MessageStore) Append(ctx context.Context, p store.AppendParams) (*store.Message, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Touch first: it doubles as the existence check, and refreshing the TTL
	// on every message is what keeps an active conversation alive.
	if err := m.sessions.touchTx(ctx, tx, p.SessionID); err != nil {
		return nil, err
	}

	n := now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, author, kind, body, caption, external_message_id, topic_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, string(p.Author), string(p.Kind), p.Body, nullStr(p.Caption),
		nullInt(p.ExternalMessageID), nullInt(p.TopicID), n.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &store.Message{
		ID:                id,
		SessionID:         p.SessionID,
		Author:            p.Author,
		Kind:              p.Kind,
		Body:              p.Body,
		Caption:           p.Caption,
		ExternalMessageID: p.ExternalMessageID,
		TopicID:           p.TopicID,
		CreatedAt:         n,
	}, nil
}

func (m *MessageStore) List(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, session_id, author, kind, body, caption, external_message_id, topic_id, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []store.Message{}
	for rows.Next() {
		var (
			msg     store.Message
			caption sql.NullString
			extID   sql.NullInt64
			topicID sql.NullInt64
			created int64
			author  string
			kind    string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &author, &kind, &msg.Body,
			&caption, &extID, &topicID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Author = store.Author(author)
		msg.Kind = bus.Kind(kind)
		msg.Caption = caption.String
		if extID.Valid {
			msg.ExternalMessageID = &extID.Int64
		}
		if topicID.Valid {
			msg.TopicID = &topicID.Int64
		}
		msg.CreatedAt = fromMilli(created)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

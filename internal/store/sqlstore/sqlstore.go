// Package sqlstore is the durable Backend on top of database/sql, backed by
// the sqlite3 or mysql schema from the storage package.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"misorachat/internal/models"
	"misorachat/internal/store"
)

type Backend struct {
	db *sql.DB
}

// New wraps an already migrated database.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("conversation id is required")
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		conv.ID, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (b *Backend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := b.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (b *Backend) TouchConversation(ctx context.Context, id string, updatedAt int64) error {
	res, err := b.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, updatedAt, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		// mysql reports 0 when the value is unchanged, so confirm existence.
		if _, err := b.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, msg.ConversationID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Timestamp,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (b *Backend) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			m    models.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Role, err = models.ParseRole(role); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (b *Backend) DeleteMessages(ctx context.Context, conversationID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (b *Backend) DeleteConversation(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/atom/internal/domain/chat/entity"
)

const messageColumns = `message_id, chat_id, sender_id, content, image, reply_to, sent_at`

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

// Insert stores a message and returns the row as written, sent_at included
func (r *MessagePostgres) Insert(ctx context.Context, msg *entity.Message) (*entity.Message, error) {
	query := `
		INSERT INTO messages (message_id, chat_id, sender_id, content, image, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + messageColumns

	row := r.pool.QueryRow(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msg.Image,
		msg.ReplyTo,
	)

	inserted, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return inserted, nil
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1`

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

// ListByConversation returns messages oldest first
func (r *MessagePostgres) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE chat_id = $1
			ORDER BY sent_at DESC, message_id DESC
			LIMIT $2 OFFSET $3
		) latest
		ORDER BY sent_at ASC, message_id ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []entity.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// UpdateContent edits a message the sender owns. A nil result means no row
// matched: either the message does not exist or it belongs to someone else.
func (r *MessagePostgres) UpdateContent(ctx context.Context, messageID, senderID, content string) (*entity.Message, error) {
	query := `
		UPDATE messages
		SET content = $3
		WHERE message_id = $1 AND sender_id = $2
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, messageID, senderID, content))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}
	return msg, nil
}

// Delete removes a message the sender owns and returns the affected row count
func (r *MessagePostgres) Delete(ctx context.Context, messageID, conversationID, senderID string) (int64, error) {
	query := `DELETE FROM messages WHERE message_id = $1 AND sender_id = $2 AND chat_id = $3`

	tag, err := r.pool.Exec(ctx, query, messageID, senderID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("deleting message: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanMessage scans a single message row
func scanMessage(row pgx.Row) (*entity.Message, error) {
	var msg entity.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Image,
		&msg.ReplyTo,
		&msg.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/atom/internal/domain/chat/entity"
)

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

// Create inserts a conversation and its participants in one transaction
func (r *ConversationPostgres) Create(ctx context.Context, conv *entity.Conversation, participantIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO chats (chat_id, is_group) VALUES ($1, $2) RETURNING created_at`,
		conv.ID, conv.IsGroup,
	).Scan(&conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting chat: %w", err)
	}

	batch := &pgx.Batch{}
	for _, userID := range participantIDs {
		batch.Queue(
			`INSERT INTO chatparticipants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT (chat_id, user_id) DO NOTHING`,
			conv.ID, userID,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range participantIDs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("inserting participant: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chat: %w", err)
	}
	return nil
}

// GetByID retrieves a conversation without participants or messages
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	var conv entity.Conversation
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id, is_group, created_at FROM chats WHERE chat_id = $1`, id,
	).Scan(&conv.ID, &conv.IsGroup, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	return &conv, nil
}

// Participants returns the profiles taking part in a conversation
func (r *ConversationPostgres) Participants(ctx context.Context, conversationID string) ([]entity.Participant, error) {
	query := `
		SELECT p.id, p.username, p.displayname, p.avatar_url
		FROM chatparticipants cp
		JOIN profiles p ON p.id = cp.user_id
		WHERE cp.chat_id = $1
		ORDER BY p.username
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []entity.Participant
	for rows.Next() {
		var p entity.Participant
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return participants, nil
}

// IsParticipant reports whether the user belongs to the conversation
func (r *ConversationPostgres) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chatparticipants WHERE chat_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return ok, nil
}

// ListByUser returns the user's conversations, most recently active first,
// each with its latest message
func (r *ConversationPostgres) ListByUser(ctx context.Context, userID string, limit, offset int) ([]entity.Conversation, error) {
	query := `
		SELECT c.chat_id, c.is_group, c.created_at,
		       m.message_id, m.chat_id, m.sender_id, m.content, m.image, m.reply_to, m.sent_at
		FROM chats c
		JOIN chatparticipants cp ON cp.chat_id = c.chat_id AND cp.user_id = $1
		LEFT JOIN LATERAL (
			SELECT message_id, chat_id, sender_id, content, image, reply_to, sent_at
			FROM messages
			WHERE chat_id = c.chat_id
			ORDER BY sent_at DESC
			LIMIT 1
		) m ON true
		ORDER BY COALESCE(m.sent_at, c.created_at) DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var convs []entity.Conversation
	for rows.Next() {
		var (
			conv entity.Conversation
			last lastMessageRow
		)
		err := rows.Scan(
			&conv.ID, &conv.IsGroup, &conv.CreatedAt,
			&last.ID, &last.ConversationID, &last.SenderID, &last.Content, &last.Image, &last.ReplyTo, &last.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		conv.LastMessage = last.message()
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chats: %w", err)
	}

	return convs, nil
}

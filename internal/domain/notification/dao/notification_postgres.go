package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/atom/internal/domain/notification/entity"
)

const notificationColumns = `id, recipient_id, data, read, created_at`

// NotificationPostgres implements notification repository for PostgreSQL
type NotificationPostgres struct {
	pool *pgxpool.Pool
}

// NewNotificationPostgres creates a new PostgreSQL notification repository
func NewNotificationPostgres(pool *pgxpool.Pool) *NotificationPostgres {
	return &NotificationPostgres{pool: pool}
}

// FanOut inserts one notification per follower of the author in a single
// statement. Followers who blocked the author are skipped.
func (r *NotificationPostgres) FanOut(ctx context.Context, authorID string, payload entity.Payload) ([]entity.Notification, error) {
	query := `
		INSERT INTO notifications (recipient_id, data)
		SELECT f.follower_id, $2
		FROM followers f
		WHERE f.followed_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM user_blocks b
			WHERE b.user_id = f.follower_id AND b.blocked_user_id = $1
		  )
		RETURNING ` + notificationColumns

	rows, err := r.pool.Query(ctx, query, authorID, payload)
	if err != nil {
		return nil, fmt.Errorf("inserting notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// List returns a user's notifications newest first
func (r *NotificationPostgres) List(ctx context.Context, recipientID string, limit, offset int) ([]entity.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// CountUnread counts a user's unread notifications
func (r *NotificationPostgres) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = false`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

// MarkAllRead flips every unread notification of the user to read
func (r *NotificationPostgres) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE recipient_id = $1 AND read = false`,
		recipientID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneRead deletes read notifications created before the cutoff
func (r *NotificationPostgres) PruneRead(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE id IN (
			SELECT id FROM notifications
			WHERE read = true AND created_at < $1
			LIMIT $2
		)
	`

	tag, err := r.pool.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, fmt.Errorf("pruning notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows) ([]entity.Notification, error) {
	var out []entity.Notification
	for rows.Next() {
		var n entity.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return out, nil
}

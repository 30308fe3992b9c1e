package dao

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/atom/internal/domain/profile/entity"
)

const profileSelect = `
	SELECT p.id, p.username, p.displayname, p.avatar_url, p.description, p.created_at,
		EXISTS (SELECT 1 FROM followers f WHERE f.followed_id = p.id AND f.follower_id = $1),
		EXISTS (SELECT 1 FROM user_blocks b WHERE b.user_id = $1 AND b.blocked_user_id = p.id),
		EXISTS (SELECT 1 FROM user_blocks b WHERE b.user_id = p.id AND b.blocked_user_id = $1),
		(SELECT COUNT(*) FROM followers f WHERE f.followed_id = p.id),
		(SELECT COUNT(*) FROM followers f WHERE f.follower_id = p.id)
	FROM profiles p
`

// ProfilePostgres implements profile repository for PostgreSQL
type ProfilePostgres struct {
	pool *pgxpool.Pool
}

// NewProfilePostgres creates a new PostgreSQL profile repository
func NewProfilePostgres(pool *pgxpool.Pool) *ProfilePostgres {
	return &ProfilePostgres{pool: pool}
}

// GetByUsername returns a profile as seen by viewerID, or nil when missing
func (r *ProfilePostgres) GetByUsername(ctx context.Context, viewerID, username string) (*entity.Profile, error) {
	return r.get(ctx, profileSelect+` WHERE p.username = $2`, nullable(viewerID), username)
}

// GetByID returns a profile as seen by viewerID, or nil when missing
func (r *ProfilePostgres) GetByID(ctx context.Context, viewerID, id string) (*entity.Profile, error) {
	return r.get(ctx, profileSelect+` WHERE p.id = $2`, nullable(viewerID), id)
}

// Create inserts the profile of user id
func (r *ProfilePostgres) Create(ctx context.Context, id string, in entity.CreateInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO profiles (id, username, displayname, description) VALUES ($1, $2, $3, $4)`,
		id, in.Username, in.DisplayName, in.Description,
	)
	if err != nil {
		return fmt.Errorf("inserting profile: %w", uniqueViolation(err))
	}
	return nil
}

// Update sets the non-nil fields of profile id
func (r *ProfilePostgres) Update(ctx context.Context, id string, f entity.UpdateFields) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE profiles SET
			username = COALESCE($2, username),
			displayname = COALESCE($3, displayname),
			description = COALESCE($4, description),
			avatar_url = COALESCE($5, avatar_url)
		 WHERE id = $1`,
		id, f.Username, f.DisplayName, f.Description, f.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("updating profile: %w", uniqueViolation(err))
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrProfileNotFound
	}
	return nil
}

// Search matches username or display name, hiding blocks in either direction
func (r *ProfilePostgres) Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Profile, error) {
	rows, err := r.pool.Query(ctx, profileSelect+`
		WHERE (p.username ILIKE $2 OR p.displayname ILIKE $2)
		  AND ($1::uuid IS NULL OR NOT EXISTS (
			SELECT 1 FROM user_blocks b
			WHERE (b.user_id = $1 AND b.blocked_user_id = p.id)
			   OR (b.user_id = p.id AND b.blocked_user_id = $1)))
		ORDER BY p.username
		LIMIT $3 OFFSET $4`,
		nullable(viewerID), "%"+escapeLike(query)+"%", limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("searching profiles: %w", err)
	}
	defer rows.Close()

	profiles := []entity.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profiles: %w", err)
	}
	return profiles, nil
}

// Follow records that followerID follows followedID
func (r *ProfilePostgres) Follow(ctx context.Context, followerID, followedID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO followers (followed_id, follower_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		followedID, followerID,
	)
	if err != nil {
		return fmt.Errorf("inserting follower: %w", err)
	}
	return nil
}

// Unfollow removes a follow edge
func (r *ProfilePostgres) Unfollow(ctx context.Context, followerID, followedID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM followers WHERE followed_id = $1 AND follower_id = $2`,
		followedID, followerID,
	)
	if err != nil {
		return fmt.Errorf("deleting follower: %w", err)
	}
	return nil
}

// Block records the block and drops follow edges in both directions
func (r *ProfilePostgres) Block(ctx context.Context, userID, blockedID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO user_blocks (user_id, blocked_user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, blockedID,
	)
	batch.Queue(
		`DELETE FROM followers
		 WHERE (followed_id = $1 AND follower_id = $2) OR (followed_id = $2 AND follower_id = $1)`,
		userID, blockedID,
	)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("blocking user: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing block: %w", err)
	}
	return nil
}

// Unblock removes a block
func (r *ProfilePostgres) Unblock(ctx context.Context, userID, blockedID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM user_blocks WHERE user_id = $1 AND blocked_user_id = $2`,
		userID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("deleting block: %w", err)
	}
	return nil
}

func (r *ProfilePostgres) get(ctx context.Context, query string, args ...any) (*entity.Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanProfile(row pgx.Row) (*entity.Profile, error) {
	var p entity.Profile
	err := row.Scan(
		&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.Description, &p.CreatedAt,
		&p.HasFollowed, &p.HasBlocked, &p.IsBlocked,
		&p.Followers, &p.Following,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	return &p, nil
}

// uniqueViolation maps unique constraint failures on profiles to entity errors
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	if pgErr.ConstraintName == "profiles_pkey" {
		return entity.ErrProfileExists
	}
	return entity.ErrUsernameTaken
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

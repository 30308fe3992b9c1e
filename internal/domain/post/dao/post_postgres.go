package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/atom/internal/domain/post/entity"
)

// postSelect projects a post as seen by the viewer in $1. Posts between
// users who blocked each other are hidden.
const postSelect = `
	SELECT p.id, p.text, p.created_at, p.has_images, p.images,
		pr.id, pr.username, pr.displayname, pr.avatar_url,
		r.post_id,
		(SELECT COUNT(*) FROM postreplies x WHERE x.post_id = p.id),
		EXISTS (SELECT 1 FROM likes l WHERE l.post_id = p.id AND l.user_id = $1),
		EXISTS (SELECT 1 FROM views v WHERE v.post_id = p.id AND v.user_id = $1),
		EXISTS (SELECT 1 FROM saves s WHERE s.post_id = p.id AND s.user_id = $1),
		(SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id),
		(SELECT COUNT(*) FROM views v WHERE v.post_id = p.id),
		(SELECT COUNT(*) FROM saves s WHERE s.post_id = p.id)
	FROM posts p
	JOIN profiles pr ON pr.id = p.author_id
	LEFT JOIN postreplies r ON r.reply_post_id = p.id
	WHERE NOT EXISTS (
		SELECT 1 FROM user_blocks b
		WHERE (b.user_id = $1 AND b.blocked_user_id = p.author_id)
		   OR (b.user_id = p.author_id AND b.blocked_user_id = $1)
	)
`

// PostPostgres implements post repository for PostgreSQL
type PostPostgres struct {
	pool *pgxpool.Pool
}

// NewPostPostgres creates a new PostgreSQL post repository
func NewPostPostgres(pool *pgxpool.Pool) *PostPostgres {
	return &PostPostgres{pool: pool}
}

// NewPost is a post row to insert
type NewPost struct {
	AuthorID  string
	Text      string
	Images    []string
	Embedding []float32
	ReplyTo   *string
}

// Insert stores a post and its reply link in one transaction and returns the new id
func (r *PostPostgres) Insert(ctx context.Context, in NewPost) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	images := in.Images
	if images == nil {
		images = []string{}
	}

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO posts (author_id, text, images, has_images, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		in.AuthorID, in.Text, images, len(images) > 0, in.Embedding,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting post: %w", err)
	}

	if in.ReplyTo != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO postreplies (post_id, reply_post_id) VALUES ($1, $2)`,
			*in.ReplyTo, id,
		)
		if err != nil {
			return "", fmt.Errorf("inserting reply link: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing post: %w", err)
	}
	return id, nil
}

// Exists reports whether a post with the id exists
func (r *PostPostgres) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking post: %w", err)
	}
	return ok, nil
}

// GetByID returns a post as seen by viewerID, or nil when hidden or missing
func (r *PostPostgres) GetByID(ctx context.Context, viewerID, id string) (*entity.Post, error) {
	row := r.pool.QueryRow(ctx, postSelect+` AND p.id = $2`, nullable(viewerID), id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListAll returns top-level posts newest first
func (r *PostPostgres) ListAll(ctx context.Context, viewerID string, limit, offset int) ([]entity.Post, error) {
	return r.list(ctx, postSelect+`
		AND r.post_id IS NULL
		ORDER BY p.created_at DESC, p.id
		LIMIT $2 OFFSET $3`,
		nullable(viewerID), limit, offset)
}

// ListByAuthor returns an author's posts newest first
func (r *PostPostgres) ListByAuthor(ctx context.Context, viewerID, authorID string, limit, offset int) ([]entity.Post, error) {
	return r.list(ctx, postSelect+`
		AND p.author_id = $2
		ORDER BY p.created_at DESC, p.id
		LIMIT $3 OFFSET $4`,
		nullable(viewerID), authorID, limit, offset)
}

// ListReplies returns replies to a post oldest first
func (r *PostPostgres) ListReplies(ctx context.Context, viewerID, postID string, limit, offset int) ([]entity.Post, error) {
	return r.list(ctx, postSelect+`
		AND r.post_id = $2
		ORDER BY p.created_at ASC, p.id
		LIMIT $3 OFFSET $4`,
		nullable(viewerID), postID, limit, offset)
}

// Search returns posts whose text contains the query, newest first
func (r *PostPostgres) Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Post, error) {
	return r.list(ctx, postSelect+`
		AND p.text ILIKE '%' || $2 || '%'
		ORDER BY p.created_at DESC, p.id
		LIMIT $3 OFFSET $4`,
		nullable(viewerID), query, limit, offset)
}

// ListByIDs returns the visible posts among ids in no particular order
func (r *PostPostgres) ListByIDs(ctx context.Context, viewerID string, ids []string) ([]entity.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, postSelect+` AND p.id = ANY($2::uuid[])`, nullable(viewerID), ids)
}

// SeedEmbeddings returns embeddings of the posts the user most recently
// liked or saved, newest interaction first
func (r *PostPostgres) SeedEmbeddings(ctx context.Context, userID string, limit int) ([][]float32, error) {
	query := `
		SELECT p.embedding
		FROM (
			SELECT post_id FROM likes WHERE user_id = $1
			UNION
			SELECT post_id FROM saves WHERE user_id = $1
		) i
		JOIN posts p ON p.id = i.post_id
		WHERE p.embedding IS NOT NULL
		ORDER BY p.created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying seed embeddings: %w", err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var vec []float32
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		out = append(out, vec)
	}
	return out, rows.Err()
}

// Candidate is a post id with its embedding
type Candidate struct {
	ID        string
	Embedding []float32
}

// Candidates returns recent embedded posts not written by the user
func (r *PostPostgres) Candidates(ctx context.Context, userID string, limit int) ([]Candidate, error) {
	query := `
		SELECT id, embedding
		FROM posts
		WHERE embedding IS NOT NULL AND author_id <> $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Embedding); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetInteraction adds or removes a like, save or view
func (r *PostPostgres) SetInteraction(ctx context.Context, kind entity.Interaction, postID, userID string, on bool) error {
	var table string
	switch kind {
	case entity.InteractionLike:
		table = "likes"
	case entity.InteractionSave:
		table = "saves"
	case entity.InteractionView:
		table = "views"
	default:
		return entity.ErrUnknownInteraction
	}

	query := `DELETE FROM ` + table + ` WHERE post_id = $1 AND user_id = $2`
	if on {
		query = `INSERT INTO ` + table + ` (post_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}

	if _, err := r.pool.Exec(ctx, query, postID, userID); err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}
	return nil
}

func (r *PostPostgres) list(ctx context.Context, query string, args ...any) ([]entity.Post, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer rows.Close()

	var out []entity.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating posts: %w", err)
	}
	return out, nil
}

func scanPost(row pgx.Row) (*entity.Post, error) {
	var p entity.Post
	err := row.Scan(
		&p.ID, &p.Text, &p.CreatedAt, &p.HasImages, &p.Images,
		&p.Author.ID, &p.Author.Username, &p.Author.DisplayName, &p.Author.AvatarURL,
		&p.ReplyTo,
		&p.ReplyCount,
		&p.HasLiked, &p.HasViewed, &p.HasSaved,
		&p.LikeCount, &p.ViewCount, &p.SaveCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning post: %w", err)
	}
	return &p, nil
}

// nullable maps an anonymous viewer to NULL so the viewer columns are false
func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

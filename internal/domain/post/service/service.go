package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/vadim/atom/internal/domain/post/dao"
	"github.com/vadim/atom/internal/domain/post/entity"
)

const (
	seedCount      = 10
	candidateLimit = 500
	minSimilarity  = 0.5
)

// Repository defines the interface for post storage
type Repository interface {
	Insert(ctx context.Context, in dao.NewPost) (string, error)
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, viewerID, id string) (*entity.Post, error)
	ListAll(ctx context.Context, viewerID string, limit, offset int) ([]entity.Post, error)
	ListByAuthor(ctx context.Context, viewerID, authorID string, limit, offset int) ([]entity.Post, error)
	ListReplies(ctx context.Context, viewerID, postID string, limit, offset int) ([]entity.Post, error)
	Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Post, error)
	ListByIDs(ctx context.Context, viewerID string, ids []string) ([]entity.Post, error)
	SeedEmbeddings(ctx context.Context, userID string, limit int) ([][]float32, error)
	Candidates(ctx context.Context, userID string, limit int) ([]dao.Candidate, error)
	SetInteraction(ctx context.Context, kind entity.Interaction, postID, userID string, on bool) error
}

// ImageUpload is an image attached to a new post
type ImageUpload struct {
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string
}

// ImageUploader stores a post image and returns its public URL
type ImageUploader interface {
	UploadPostImage(ctx context.Context, img ImageUpload) (string, error)
}

// Embedder turns post text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Notifier tells the author's followers about a new post
type Notifier interface {
	NotifyFollowers(ctx context.Context, post *entity.Post) error
}

// Service handles post business logic
type Service struct {
	repo     Repository
	images   ImageUploader
	embedder Embedder
	notifier Notifier
	logger   *slog.Logger
}

// New creates a new post service
func New(repo Repository, images ImageUploader, embedder Embedder, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		images:   images,
		embedder: embedder,
		notifier: notifier,
		logger:   logger,
	}
}

// CreateInput represents input for creating a post
type CreateInput struct {
	AuthorID string
	Text     string
	Images   []ImageUpload
	ReplyTo  *string
}

// Create uploads the images, embeds the text, stores the post and notifies
// followers. Embedding and notification failures do not fail the post.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Post, error) {
	text, err := entity.ValidateText(in.Text)
	if err != nil {
		return nil, err
	}
	if text == "" && len(in.Images) == 0 {
		return nil, entity.ErrEmptyPost
	}
	if len(in.Images) > entity.MaxImages {
		return nil, entity.ErrTooManyImages
	}

	if in.ReplyTo != nil {
		ok, err := s.repo.Exists(ctx, *in.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("checking replied post: %w", err)
		}
		if !ok {
			return nil, entity.ErrReplyTargetNotFound
		}
	}

	urls := make([]string, 0, len(in.Images))
	for _, img := range in.Images {
		url, err := s.images.UploadPostImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("uploading image: %w", err)
		}
		urls = append(urls, url)
	}

	var vec []float32
	if text != "" {
		vec, err = s.embedder.Embed(ctx, text)
		if err != nil {
			s.logger.Warn("embedding post failed", "author_id", in.AuthorID, "error", err)
			vec = nil
		}
	}

	id, err := s.repo.Insert(ctx, dao.NewPost{
		AuthorID:  in.AuthorID,
		Text:      text,
		Images:    urls,
		Embedding: vec,
		ReplyTo:   in.ReplyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting post: %w", err)
	}

	post, err := s.repo.GetByID(ctx, in.AuthorID, id)
	if err != nil {
		return nil, fmt.Errorf("loading post: %w", err)
	}
	if post == nil {
		return nil, entity.ErrPostNotFound
	}

	if err := s.notifier.NotifyFollowers(ctx, post); err != nil {
		s.logger.Error("notifying followers failed", "post_id", post.ID, "error", err)
	}

	return post, nil
}

// Get returns one post as seen by the viewer
func (s *Service) Get(ctx context.Context, viewerID, id string) (*entity.Post, error) {
	post, err := s.repo.GetByID(ctx, viewerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting post: %w", err)
	}
	if post == nil {
		return nil, entity.ErrPostNotFound
	}
	return post, nil
}

// All returns a page of the global feed
func (s *Service) All(ctx context.Context, viewerID string, params entity.PageParams) (*entity.Page, error) {
	posts, err := s.repo.ListAll(ctx, viewerID, entity.PageSize, params.TotalPage*entity.PageSize)
	if err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	return nextPage(posts, params), nil
}

// ByUser returns a page of one author's posts
func (s *Service) ByUser(ctx context.Context, viewerID, authorID string, params entity.PageParams) (*entity.Page, error) {
	posts, err := s.repo.ListByAuthor(ctx, viewerID, authorID, entity.PageSize, params.TotalPage*entity.PageSize)
	if err != nil {
		return nil, fmt.Errorf("listing user posts: %w", err)
	}
	return nextPage(posts, params), nil
}

// Replies returns a page of replies to a post
func (s *Service) Replies(ctx context.Context, viewerID, postID string, params entity.PageParams) (*entity.Page, error) {
	posts, err := s.repo.ListReplies(ctx, viewerID, postID, entity.PageSize, params.TotalPage*entity.PageSize)
	if err != nil {
		return nil, fmt.Errorf("listing replies: %w", err)
	}
	return nextPage(posts, params), nil
}

// Search returns a page of posts matching the query text
func (s *Service) Search(ctx context.Context, viewerID, query string, params entity.PageParams) (*entity.Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, entity.ErrEmptyQuery
	}
	posts, err := s.repo.Search(ctx, viewerID, query, entity.PageSize, params.TotalPage*entity.PageSize)
	if err != nil {
		return nil, fmt.Errorf("searching posts: %w", err)
	}
	return nextPage(posts, params), nil
}

// Personal returns a page of posts similar to the ones the user liked or
// saved. Each seed post yields pages of neighbours; once a seed runs dry
// the next one is used. Without seeds it falls back to the global feed.
// The same post may come back under different seeds.
func (s *Service) Personal(ctx context.Context, userID string, params entity.PageParams) (*entity.Page, error) {
	seeds, err := s.repo.SeedEmbeddings(ctx, userID, seedCount)
	if err != nil {
		return nil, fmt.Errorf("loading seeds: %w", err)
	}
	if len(seeds) == 0 || params.RecommendationIndex >= len(seeds) {
		return s.All(ctx, userID, params)
	}

	candidates, err := s.repo.Candidates(ctx, userID, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}

	ranked := rank(seeds[params.RecommendationIndex], candidates)
	start := params.PageOnIndex * entity.PageSize
	if start > len(ranked) {
		start = len(ranked)
	}
	end := start + entity.PageSize
	if end > len(ranked) {
		end = len(ranked)
	}
	ids := ranked[start:end]

	posts, err := s.repo.ListByIDs(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("loading recommended posts: %w", err)
	}
	posts = orderByIDs(posts, ids)

	next := entity.PageParams{
		TotalPage:           params.TotalPage + 1,
		RecommendationIndex: params.RecommendationIndex,
		PageOnIndex:         params.PageOnIndex + 1,
	}
	if end == len(ranked) {
		next.RecommendationIndex++
		next.PageOnIndex = 0
	}

	if posts == nil {
		posts = []entity.Post{}
	}
	return &entity.Page{Posts: posts, Next: next}, nil
}

// SetInteraction likes, saves or views a post, or undoes it
func (s *Service) SetInteraction(ctx context.Context, kind entity.Interaction, postID, userID string, on bool) error {
	if !kind.Valid() {
		return entity.ErrUnknownInteraction
	}
	ok, err := s.repo.Exists(ctx, postID)
	if err != nil {
		return fmt.Errorf("checking post: %w", err)
	}
	if !ok {
		return entity.ErrPostNotFound
	}
	return s.repo.SetInteraction(ctx, kind, postID, userID, on)
}

func nextPage(posts []entity.Post, params entity.PageParams) *entity.Page {
	if posts == nil {
		posts = []entity.Post{}
	}
	return &entity.Page{
		Posts: posts,
		Next:  entity.PageParams{TotalPage: params.TotalPage + 1},
	}
}

// rank returns candidate ids with similarity above the threshold, most similar first
func rank(seed []float32, candidates []dao.Candidate) []string {
	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for _, c := range candidates {
		if sim := cosine(seed, c.Embedding); sim >= minSimilarity {
			hits = append(hits, scored{id: c.ID, score: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func orderByIDs(posts []entity.Post, ids []string) []entity.Post {
	byID := make(map[string]entity.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	out := make([]entity.Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

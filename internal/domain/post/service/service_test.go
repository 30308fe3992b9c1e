package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/domain/post/dao"
	"github.com/vadim/atom/internal/domain/post/entity"
)

type memPost struct {
	entity.Post
	embedding []float32
}

// memRepo keeps posts and interactions in memory
type memRepo struct {
	mu        sync.Mutex
	posts     []memPost
	likes     map[string]bool // "post|user"
	insertErr error
	inserted  []dao.NewPost
	clock     time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		likes: make(map[string]bool),
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memRepo) add(id, author, text string, vec []float32) {
	m.clock = m.clock.Add(time.Minute)
	m.posts = append(m.posts, memPost{
		Post:      entity.Post{ID: id, Text: text, CreatedAt: m.clock, Author: entity.Author{ID: author, Username: author}},
		embedding: vec,
	})
}

func (m *memRepo) Insert(_ context.Context, in dao.NewPost) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.inserted = append(m.inserted, in)
	id := fmt.Sprintf("p%d", len(m.posts)+1)
	m.add(id, in.AuthorID, in.Text, in.Embedding)
	last := &m.posts[len(m.posts)-1]
	last.Images = in.Images
	last.HasImages = len(in.Images) > 0
	last.ReplyTo = in.ReplyTo
	return id, nil
}

func (m *memRepo) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) GetByID(_ context.Context, _ string, id string) (*entity.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			out := p.Post
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memRepo) page(filter func(memPost) bool, limit, offset int) []entity.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Post
	for i := len(m.posts) - 1; i >= 0; i-- {
		if filter(m.posts[i]) {
			out = append(out, m.posts[i].Post)
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memRepo) ListAll(_ context.Context, _ string, limit, offset int) ([]entity.Post, error) {
	return m.page(func(p memPost) bool { return p.ReplyTo == nil }, limit, offset), nil
}

func (m *memRepo) ListByAuthor(_ context.Context, _ string, authorID string, limit, offset int) ([]entity.Post, error) {
	return m.page(func(p memPost) bool { return p.Author.ID == authorID }, limit, offset), nil
}

func (m *memRepo) ListReplies(_ context.Context, _ string, postID string, limit, offset int) ([]entity.Post, error) {
	return m.page(func(p memPost) bool { return p.ReplyTo != nil && *p.ReplyTo == postID }, limit, offset), nil
}

func (m *memRepo) Search(_ context.Context, _ string, query string, limit, offset int) ([]entity.Post, error) {
	return m.page(func(p memPost) bool { return strings.Contains(p.Text, query) }, limit, offset), nil
}

func (m *memRepo) ListByIDs(_ context.Context, _ string, ids []string) ([]entity.Post, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := m.page(func(p memPost) bool { return want[p.ID] }, len(ids)+1, 0)
	// storage order is unspecified
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) SeedEmbeddings(_ context.Context, userID string, limit int) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]float32
	for i := len(m.posts) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.posts[i]
		if m.likes[p.ID+"|"+userID] && p.embedding != nil {
			out = append(out, p.embedding)
		}
	}
	return out, nil
}

func (m *memRepo) Candidates(_ context.Context, userID string, limit int) ([]dao.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dao.Candidate
	for i := len(m.posts) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.posts[i]
		if p.embedding != nil && p.Author.ID != userID {
			out = append(out, dao.Candidate{ID: p.ID, Embedding: p.embedding})
		}
	}
	return out, nil
}

func (m *memRepo) SetInteraction(_ context.Context, kind entity.Interaction, postID, userID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == entity.InteractionLike {
		m.likes[postID+"|"+userID] = on
	}
	return nil
}

type fakeImages struct {
	uploads []string
	err     error
}

func (f *fakeImages) UploadPostImage(_ context.Context, img ImageUpload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, img.Filename)
	return "https://cdn.local/" + img.Filename, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeNotifier struct {
	posts []string
	err   error
}

func (f *fakeNotifier) NotifyFollowers(_ context.Context, post *entity.Post) error {
	f.posts = append(f.posts, post.ID)
	return f.err
}

type fixture struct {
	repo     *memRepo
	images   *fakeImages
	embedder *fakeEmbedder
	notifier *fakeNotifier
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newMemRepo(),
		images:   &fakeImages{},
		embedder: &fakeEmbedder{vec: []float32{1, 0}},
		notifier: &fakeNotifier{},
	}
	f.svc = New(f.repo, f.images, f.embedder, f.notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func TestCreate_UploadsEmbedsInsertsAndNotifies(t *testing.T) {
	f := newFixture()

	post, err := f.svc.Create(context.Background(), CreateInput{
		AuthorID: "ann",
		Text:     "  hello  ",
		Images:   []ImageUpload{{Filename: "a.png"}, {Filename: "b.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", post.Text)
	assert.Equal(t, []string{"https://cdn.local/a.png", "https://cdn.local/b.png"}, post.Images)
	assert.True(t, post.HasImages)

	require.Len(t, f.repo.inserted, 1)
	assert.Equal(t, []float32{1, 0}, f.repo.inserted[0].Embedding)
	assert.Equal(t, []string{post.ID}, f.notifier.posts)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{AuthorID: "ann", Text: "   "})
	assert.ErrorIs(t, err, entity.ErrEmptyPost)

	_, err = f.svc.Create(ctx, CreateInput{AuthorID: "ann", Text: strings.Repeat("x", entity.MaxTextLength+1)})
	assert.ErrorIs(t, err, entity.ErrPostTooLong)

	_, err = f.svc.Create(ctx, CreateInput{AuthorID: "ann", Images: make([]ImageUpload, entity.MaxImages+1)})
	assert.ErrorIs(t, err, entity.ErrTooManyImages)

	missing := "nope"
	_, err = f.svc.Create(ctx, CreateInput{AuthorID: "ann", Text: "re", ReplyTo: &missing})
	assert.ErrorIs(t, err, entity.ErrReplyTargetNotFound)

	assert.Empty(t, f.repo.inserted)
	assert.Empty(t, f.notifier.posts)
}

func TestCreate_UploadFailureStoresNothing(t *testing.T) {
	f := newFixture()
	f.images.err = errors.New("s3 down")

	_, err := f.svc.Create(context.Background(), CreateInput{AuthorID: "ann", Text: "x", Images: []ImageUpload{{Filename: "a.png"}}})
	require.Error(t, err)
	assert.Empty(t, f.repo.inserted)
	assert.Empty(t, f.notifier.posts)
}

func TestCreate_InsertFailureDoesNotNotify(t *testing.T) {
	f := newFixture()
	f.repo.insertErr = errors.New("db down")

	_, err := f.svc.Create(context.Background(), CreateInput{AuthorID: "ann", Text: "x"})
	require.Error(t, err)
	assert.Empty(t, f.notifier.posts)
}

func TestCreate_BestEffortEmbeddingAndNotification(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("model loading")
	f.notifier.err = errors.New("bus down")

	post, err := f.svc.Create(context.Background(), CreateInput{AuthorID: "ann", Text: "x"})
	require.NoError(t, err)
	require.Len(t, f.repo.inserted, 1)
	assert.Nil(t, f.repo.inserted[0].Embedding)
	assert.Equal(t, []string{post.ID}, f.notifier.posts)
}

func TestCreate_Reply(t *testing.T) {
	f := newFixture()
	f.repo.add("root", "bob", "root post", nil)

	target := "root"
	reply, err := f.svc.Create(context.Background(), CreateInput{AuthorID: "ann", Text: "re", ReplyTo: &target})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "root", *reply.ReplyTo)

	page, err := f.svc.Replies(context.Background(), "", "root", entity.PageParams{})
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, reply.ID, page.Posts[0].ID)

	all, err := f.svc.All(context.Background(), "", entity.PageParams{})
	require.NoError(t, err)
	require.Len(t, all.Posts, 1)
	assert.Equal(t, "root", all.Posts[0].ID)
}

func TestAll_Paging(t *testing.T) {
	f := newFixture()
	for i := 0; i < entity.PageSize+3; i++ {
		f.repo.add(fmt.Sprintf("p%02d", i), "bob", "text", nil)
	}

	first, err := f.svc.All(context.Background(), "", entity.PageParams{})
	require.NoError(t, err)
	assert.Len(t, first.Posts, entity.PageSize)
	assert.Equal(t, 1, first.Next.TotalPage)

	second, err := f.svc.All(context.Background(), "", first.Next)
	require.NoError(t, err)
	assert.Len(t, second.Posts, 3)
	assert.Equal(t, 2, second.Next.TotalPage)
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Search(context.Background(), "", "  ", entity.PageParams{})
	assert.ErrorIs(t, err, entity.ErrEmptyQuery)
}

func TestPersonal_RanksBySimilarityAndAdvancesSeed(t *testing.T) {
	f := newFixture()
	f.repo.add("liked", "bob", "cats", []float32{1, 0})
	f.repo.add("close", "bob", "kittens", []float32{0.9, 0.1})
	f.repo.add("closer", "bob", "cat", []float32{1, 0.01})
	f.repo.add("far", "bob", "taxes", []float32{0, 1})
	f.repo.likes["liked|ann"] = true

	page, err := f.svc.Personal(context.Background(), "ann", entity.PageParams{})
	require.NoError(t, err)

	var ids []string
	for _, p := range page.Posts {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"liked", "closer", "close"}, ids)

	// one seed, fully consumed
	assert.Equal(t, entity.PageParams{TotalPage: 1, RecommendationIndex: 1}, page.Next)

	// seeds exhausted: falls back to the global feed
	next, err := f.svc.Personal(context.Background(), "ann", page.Next)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Next.TotalPage)
}

func TestPersonal_NoSeedsFallsBack(t *testing.T) {
	f := newFixture()
	f.repo.add("p1", "bob", "hello", []float32{1, 0})

	page, err := f.svc.Personal(context.Background(), "ann", entity.PageParams{})
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, "p1", page.Posts[0].ID)
}

func TestSetInteraction(t *testing.T) {
	f := newFixture()
	f.repo.add("p1", "bob", "hello", nil)
	ctx := context.Background()

	require.NoError(t, f.svc.SetInteraction(ctx, entity.InteractionLike, "p1", "ann", true))
	assert.True(t, f.repo.likes["p1|ann"])

	assert.ErrorIs(t, f.svc.SetInteraction(ctx, entity.InteractionLike, "nope", "ann", true), entity.ErrPostNotFound)
	assert.ErrorIs(t, f.svc.SetInteraction(ctx, "share", "p1", "ann", true), entity.ErrUnknownInteraction)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosine(nil, nil))
}

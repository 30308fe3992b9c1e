package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vadim/atom/internal/domain/post/entity"
)

// PendingPostID marks a post that was added locally and is not yet stored
const PendingPostID = "pending"

// Pages is the cached, in-order list of pages of one feed
type Pages struct {
	Pages []entity.Page
}

// Posts returns the posts of every page in order
func (p Pages) Posts() []entity.Post {
	var out []entity.Post
	for _, page := range p.Pages {
		out = append(out, page.Posts...)
	}
	return out
}

type entry struct {
	pages   []entity.Page
	fetched map[string]struct{}
}

// Cache holds fetched feed pages by query key. Page slices are replaced,
// never modified, so returned Pages stay valid.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates an empty cache over fetcher
func NewCache(fetcher Fetcher, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Pages returns the cached pages of q
func (c *Cache) Pages(q Query) Pages {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[q.Key()]
	if !ok {
		return Pages{}
	}
	return Pages{Pages: append([]entity.Page(nil), e.pages...)}
}

// FetchNext loads the page after the last cached one and appends it.
// Posts already in the cache for q are dropped from the new page.
func (c *Cache) FetchNext(ctx context.Context, q Query) (Pages, error) {
	key := q.Key()

	c.mu.Lock()
	var params entity.PageParams
	if e, ok := c.entries[key]; ok && len(e.pages) > 0 {
		params = e.pages[len(e.pages)-1].Next
	}
	c.mu.Unlock()

	page, err := fetch(ctx, c.fetcher, q, params)
	if err != nil {
		return Pages{}, fmt.Errorf("fetching %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	kept := make([]entity.Post, 0, len(page.Posts))
	for _, p := range page.Posts {
		if _, seen := e.fetched[p.ID]; seen {
			continue
		}
		e.fetched[p.ID] = struct{}{}
		kept = append(kept, p)
	}

	e.pages = append(e.pages[:len(e.pages):len(e.pages)], entity.Page{Posts: kept, Next: page.Next})
	return Pages{Pages: append([]entity.Page(nil), e.pages...)}, nil
}

// Invalidate drops everything cached for q and fetches its first page again
func (c *Cache) Invalidate(ctx context.Context, q Query) (Pages, error) {
	c.mu.Lock()
	delete(c.entries, q.Key())
	c.mu.Unlock()

	return c.FetchNext(ctx, q)
}

// Draft is a post as typed by the user, with local image files
type Draft struct {
	Text       string
	ImagePaths []string
	ReplyTo    *string
}

// AddPost shows draft at the top of q's first page as a pending post, then
// runs submit. On success the pending post takes the returned id at the
// same position. On failure the cache for q is refetched from the server.
func (c *Cache) AddPost(ctx context.Context, q Query, author entity.Author, draft Draft, submit func(ctx context.Context) (string, error)) (string, error) {
	images := make([]string, 0, len(draft.ImagePaths))
	for _, path := range draft.ImagePaths {
		images = append(images, "file://"+path)
	}

	pending := entity.Post{
		ID:        PendingPostID,
		Text:      draft.Text,
		CreatedAt: c.now().UTC(),
		HasImages: len(images) > 0,
		Images:    images,
		Author:    author,
		ReplyTo:   draft.ReplyTo,
	}

	key := q.Key()
	c.mu.Lock()
	e := c.entryLocked(key)
	var first entity.Page
	if len(e.pages) > 0 {
		first = e.pages[0]
	}
	posts := make([]entity.Post, 0, len(first.Posts)+1)
	posts = append(posts, pending)
	first.Posts = append(posts, first.Posts...)
	e.pages = replacePage(e.pages, first)
	c.mu.Unlock()

	id, err := submit(ctx)
	if err != nil {
		c.logger.Warn("post submission failed, refetching feed", "feed", key, "error", err)
		if _, refetchErr := c.Invalidate(ctx, q); refetchErr != nil {
			return "", errors.Join(err, refetchErr)
		}
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || len(e.pages) == 0 {
		return id, nil
	}
	first = e.pages[0]
	for i := range first.Posts {
		if first.Posts[i].ID != PendingPostID {
			continue
		}
		posts := make([]entity.Post, len(first.Posts))
		copy(posts, first.Posts)
		posts[i].ID = id
		first.Posts = posts
		e.pages = replacePage(e.pages, first)
		e.fetched[id] = struct{}{}
		break
	}

	return id, nil
}

func (c *Cache) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{fetched: make(map[string]struct{})}
		c.entries[key] = e
	}
	return e
}

// replacePage returns a copy of pages with page 0 set to first
func replacePage(pages []entity.Page, first entity.Page) []entity.Page {
	if len(pages) == 0 {
		return []entity.Page{first}
	}
	next := make([]entity.Page, len(pages))
	copy(next, pages)
	next[0] = first
	return next
}

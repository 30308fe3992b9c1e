package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/atom/internal/domain/post/entity"
	"github.com/vadim/atom/internal/domain/post/policy"
	"github.com/vadim/atom/internal/domain/post/service"
	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/session"
	"github.com/vadim/atom/internal/storage"
)

// PostPolicy defines the interface for post operations
type PostPolicy interface {
	Create(ctx context.Context, in policy.CreateInput) (*entity.Post, error)
	Get(ctx context.Context, id string) (*entity.Post, error)
	All(ctx context.Context, params entity.PageParams) (*entity.Page, error)
	ByUser(ctx context.Context, authorID string, params entity.PageParams) (*entity.Page, error)
	Replies(ctx context.Context, postID string, params entity.PageParams) (*entity.Page, error)
	Search(ctx context.Context, query string, params entity.PageParams) (*entity.Page, error)
	Personal(ctx context.Context, params entity.PageParams) (*entity.Page, error)
	SetInteraction(ctx context.Context, kind entity.Interaction, postID string, on bool) error
}

// PostHandler handles HTTP requests for posts and feeds
type PostHandler struct {
	policy PostPolicy
}

// NewPostHandler creates a new post handler
func NewPostHandler(p PostPolicy) *PostHandler {
	return &PostHandler{policy: p}
}

// RegisterRoutes registers post routes
func (h *PostHandler) RegisterRoutes(r chi.Router) {
	r.Route("/posts", func(r chi.Router) {
		r.Get("/", h.Feed())
		r.Post("/", h.Create())
		r.Get("/search", h.Search())
		r.Get("/{postId}", h.Get())
		r.Get("/{postId}/replies", h.Replies())

		// Likes, saves and views
		r.Put("/{postId}/{interaction}", h.Interact(true))
		r.Delete("/{postId}/{interaction}", h.Interact(false))
	})

	r.Get("/users/{userId}/posts", h.ByUser())
}

// CreatePostResponse carries the id of the new post with the stored row
type CreatePostResponse struct {
	ID   string       `json:"id"`
	Post *entity.Post `json:"post"`
}

// Create handles POST /posts as multipart with "text", optional "reply_to"
// and up to four "images" files
func (h *PostHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, entity.MaxImages*storage.MaxImageSize+(1<<20))
		if err := r.ParseMultipartForm(storage.MaxImageSize); err != nil {
			response.BadRequest(w, "file too large or invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		var images []service.ImageUpload
		for _, header := range formImages(r, "images") {
			file, err := header.Open()
			if err != nil {
				response.BadRequest(w, fmt.Sprintf("invalid image %q", header.Filename))
				return
			}
			defer file.Close()

			images = append(images, service.ImageUpload{
				Reader:      file,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Filename:    header.Filename,
			})
		}

		post, err := h.policy.Create(r.Context(), policy.CreateInput{
			Text:    r.FormValue("text"),
			Images:  images,
			ReplyTo: optional(r.FormValue("reply_to")),
		})
		if err != nil {
			handlePostError(w, err)
			return
		}

		response.Created(w, CreatePostResponse{ID: post.ID, Post: post})
	}
}

// Get handles GET /posts/{postId}
func (h *PostHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		post, err := h.policy.Get(r.Context(), chi.URLParam(r, "postId"))
		if err != nil {
			handlePostError(w, err)
			return
		}
		response.OK(w, post)
	}
}

// Feed handles GET /posts?feed=all|personal with paging parameters
func (h *PostHandler) Feed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := pageParams(r)

		var (
			page *entity.Page
			err  error
		)
		switch feed := r.URL.Query().Get("feed"); feed {
		case "", "all":
			page, err = h.policy.All(r.Context(), params)
		case "personal":
			page, err = h.policy.Personal(r.Context(), params)
		default:
			response.BadRequest(w, fmt.Sprintf("unknown feed %q", feed))
			return
		}
		if err != nil {
			handlePostError(w, err)
			return
		}

		response.OK(w, page)
	}
}

// ByUser handles GET /users/{userId}/posts
func (h *PostHandler) ByUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := h.policy.ByUser(r.Context(), chi.URLParam(r, "userId"), pageParams(r))
		if err != nil {
			handlePostError(w, err)
			return
		}
		response.OK(w, page)
	}
}

// Replies handles GET /posts/{postId}/replies
func (h *PostHandler) Replies() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := h.policy.Replies(r.Context(), chi.URLParam(r, "postId"), pageParams(r))
		if err != nil {
			handlePostError(w, err)
			return
		}
		response.OK(w, page)
	}
}

// Search handles GET /posts/search?q=
func (h *PostHandler) Search() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := h.policy.Search(r.Context(), r.URL.Query().Get("q"), pageParams(r))
		if err != nil {
			handlePostError(w, err)
			return
		}
		response.OK(w, page)
	}
}

// Interact handles PUT and DELETE /posts/{postId}/{like|save|view}
func (h *PostHandler) Interact(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := entity.Interaction(chi.URLParam(r, "interaction"))
		if err := h.policy.SetInteraction(r.Context(), kind, chi.URLParam(r, "postId"), on); err != nil {
			handlePostError(w, err)
			return
		}
		response.NoContent(w)
	}
}

func pageParams(r *http.Request) entity.PageParams {
	return entity.PageParams{
		TotalPage:           queryInt(r, "total_page"),
		RecommendationIndex: queryInt(r, "recommendation_index"),
		PageOnIndex:         queryInt(r, "page_on_index"),
	}
}

func handlePostError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, entity.ErrPostNotFound),
		errors.Is(err, entity.ErrUnknownInteraction):
		response.NotFound(w, err.Error())
	case errors.Is(err, entity.ErrEmptyPost),
		errors.Is(err, entity.ErrPostTooLong),
		errors.Is(err, entity.ErrTooManyImages),
		errors.Is(err, entity.ErrReplyTargetNotFound),
		errors.Is(err, entity.ErrEmptyQuery),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, storage.ErrImageTooLarge):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, "internal server error")
	}
}

package http

import (
	"context"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/atom/internal/domain/profile/entity"
	"github.com/vadim/atom/internal/domain/profile/service"
	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/session"
	"github.com/vadim/atom/internal/storage"
)

// ProfilePolicy defines the interface for profile operations
type ProfilePolicy interface {
	Get(ctx context.Context, username string) (*entity.Profile, error)
	Create(ctx context.Context, in entity.CreateInput) (*entity.Profile, error)
	UpdateMe(ctx context.Context, in service.UpdateInput) (*entity.Profile, error)
	Search(ctx context.Context, query string, limit, offset int) ([]entity.Profile, error)
	Follow(ctx context.Context, targetID string) error
	Unfollow(ctx context.Context, targetID string) error
	Block(ctx context.Context, targetID string) error
	Unblock(ctx context.Context, targetID string) error
}

// ProfileHandler handles HTTP requests for profiles, follows and blocks
type ProfileHandler struct {
	policy ProfilePolicy
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(p ProfilePolicy) *ProfileHandler {
	return &ProfileHandler{policy: p}
}

// RegisterRoutes registers profile routes
func (h *ProfileHandler) RegisterRoutes(r chi.Router) {
	r.Post("/profiles", h.Create())
	r.Patch("/profiles/me", h.UpdateMe())
	r.Get("/profiles/search", h.Search())
	r.Get("/profiles/{username}", h.Get())

	r.Route("/users/{userId}", func(r chi.Router) {
		r.Put("/follow", h.relation(h.policy.Follow))
		r.Delete("/follow", h.relation(h.policy.Unfollow))
		r.Put("/block", h.relation(h.policy.Block))
		r.Delete("/block", h.relation(h.policy.Unblock))
	})
}

// Get handles GET /profiles/{username}
func (h *ProfileHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.policy.Get(r.Context(), chi.URLParam(r, "username"))
		if err != nil {
			handleProfileError(w, err)
			return
		}
		response.OK(w, p)
	}
}

// Create handles POST /profiles for the session user
func (h *ProfileHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entity.CreateInput
		if err := response.Decode(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		p, err := h.policy.Create(r.Context(), req)
		if err != nil {
			handleProfileError(w, err)
			return
		}
		response.Created(w, p)
	}
}

// UpdateProfileRequest is the JSON form of a profile update
type UpdateProfileRequest struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"displayname"`
	Description *string `json:"description"`
}

// UpdateMe handles PATCH /profiles/me, JSON or multipart with an optional "avatar" file
func (h *ProfileHandler) UpdateMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, cleanup, ok := readProfileForm(w, r)
		if !ok {
			return
		}
		defer cleanup()

		p, err := h.policy.UpdateMe(r.Context(), in)
		if err != nil {
			handleProfileError(w, err)
			return
		}
		response.OK(w, p)
	}
}

// Search handles GET /profiles/search?q=
func (h *ProfileHandler) Search() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := limitOffset(r)
		profiles, err := h.policy.Search(r.Context(), r.URL.Query().Get("q"), limit, offset)
		if err != nil {
			handleProfileError(w, err)
			return
		}
		response.OK(w, profiles)
	}
}

func readProfileForm(w http.ResponseWriter, r *http.Request) (service.UpdateInput, func(), bool) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req UpdateProfileRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return service.UpdateInput{}, noop, false
		}
		return service.UpdateInput{Username: req.Username, DisplayName: req.DisplayName, Description: req.Description}, noop, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageSize+(1<<20))
	if err := r.ParseMultipartForm(storage.MaxImageSize); err != nil {
		response.BadRequest(w, "file too large or invalid multipart form")
		return service.UpdateInput{}, noop, false
	}

	field := func(name string) *string {
		if vs, ok := r.MultipartForm.Value[name]; ok && len(vs) > 0 {
			return &vs[0]
		}
		return nil
	}
	in := service.UpdateInput{
		Username:    field("username"),
		DisplayName: field("displayname"),
		Description: field("description"),
	}

	file, header, err := r.FormFile("avatar")
	if errors.Is(err, http.ErrMissingFile) {
		return in, noop, true
	}
	if err != nil {
		response.BadRequest(w, "invalid avatar")
		return service.UpdateInput{}, noop, false
	}

	in.Avatar = &service.AvatarUpload{
		Reader:      file,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
		Size:        header.Size,
	}
	return in, func() { file.Close() }, true
}

func (h *ProfileHandler) relation(fn func(ctx context.Context, targetID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), chi.URLParam(r, "userId")); err != nil {
			handleProfileError(w, err)
			return
		}
		response.NoContent(w)
	}
}

func handleProfileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, entity.ErrProfileNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, entity.ErrSelfRelation),
		errors.Is(err, entity.ErrInvalidProfile),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, storage.ErrImageTooLarge):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrBlocked),
		errors.Is(err, entity.ErrProfileExists),
		errors.Is(err, entity.ErrUsernameTaken):
		response.Conflict(w, err.Error())
	default:
		response.InternalError(w, "internal server error")
	}
}

package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/atom/internal/domain/notification/entity"
	"github.com/vadim/atom/internal/domain/notification/service"
	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/session"
)

// NotificationPolicy defines the interface for notification operations
type NotificationPolicy interface {
	List(ctx context.Context, limit, offset int) (*service.ListOutput, error)
	MarkAllRead(ctx context.Context) (int64, error)
}

// NotificationHandler handles HTTP requests for notifications
type NotificationHandler struct {
	policy NotificationPolicy
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(p NotificationPolicy) *NotificationHandler {
	return &NotificationHandler{policy: p}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.List())
	r.Post("/notifications/read", h.MarkAllRead())
}

// ListNotificationsResponse represents the response for listing notifications
type ListNotificationsResponse struct {
	Notifications []entity.Notification `json:"notifications"`
	UnreadCount   int64                 `json:"unread_count"`
}

// List handles GET /notifications
func (h *NotificationHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := limitOffset(r)

		out, err := h.policy.List(r.Context(), limit, offset)
		if err != nil {
			handleNotificationError(w, err)
			return
		}

		response.OK(w, ListNotificationsResponse{
			Notifications: out.Notifications,
			UnreadCount:   out.Unread,
		})
	}
}

// MarkAllReadResponse represents the response for marking notifications read
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// MarkAllRead handles POST /notifications/read
func (h *NotificationHandler) MarkAllRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := h.policy.MarkAllRead(r.Context())
		if err != nil {
			handleNotificationError(w, err)
			return
		}

		response.OK(w, MarkAllReadResponse{Updated: n})
	}
}

func handleNotificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		response.Unauthorized(w, err.Error())
	default:
		response.InternalError(w, "internal server error")
	}
}

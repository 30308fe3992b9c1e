package http

import (
	"context"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/domain/chat/policy"
	"github.com/vadim/atom/internal/domain/chat/service"
	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/session"
	"github.com/vadim/atom/internal/storage"
)

// ChatPolicy defines the interface for chat operations
type ChatPolicy interface {
	SendMessage(ctx context.Context, in policy.SendMessageInput) (*entity.Message, error)
	Reply(ctx context.Context, in policy.ReplyInput) (*entity.Message, error)
	EditMessage(ctx context.Context, messageID, newText string) (*entity.Message, error)
	DeleteMessage(ctx context.Context, messageID, conversationID string) error
	CreateChat(ctx context.Context, in policy.CreateChatInput) (*entity.Conversation, *entity.Message, error)
	GetChat(ctx context.Context, conversationID string, limit, offset int) (*entity.Conversation, error)
	ListChats(ctx context.Context, limit, offset int) ([]entity.Conversation, error)
}

// ChatHandler handles HTTP requests for chats and messages
type ChatHandler struct {
	policy ChatPolicy
}

// NewChatHandler creates a new chat handler
func NewChatHandler(p ChatPolicy) *ChatHandler {
	return &ChatHandler{policy: p}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.ListChats())
		r.Post("/", h.CreateChat())
		r.Get("/{chatId}", h.GetChat())

		// Messages
		r.Post("/{chatId}/messages", h.SendMessage())
		r.Post("/{chatId}/messages/{messageId}/replies", h.Reply())
		r.Patch("/{chatId}/messages/{messageId}", h.EditMessage())
		r.Delete("/{chatId}/messages/{messageId}", h.DeleteMessage())
	})
}

// ListChatsResponse represents the response for listing chats
type ListChatsResponse struct {
	Chats  []entity.Conversation `json:"chats"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// ListChats handles GET /chats
func (h *ChatHandler) ListChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := limitOffset(r)

		chats, err := h.policy.ListChats(r.Context(), limit, offset)
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, ListChatsResponse{Chats: chats, Limit: limit, Offset: offset})
	}
}

// CreateChatRequest represents the request body for starting a chat
type CreateChatRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	FirstMessage   string   `json:"first_message"`
}

// CreateChatResponse represents the response for a started chat
type CreateChatResponse struct {
	Chat    *entity.Conversation `json:"chat"`
	Message *entity.Message      `json:"message"`
}

// CreateChat handles POST /chats
func (h *ChatHandler) CreateChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateChatRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		conv, msg, err := h.policy.CreateChat(r.Context(), policy.CreateChatInput{
			ParticipantIDs: req.ParticipantIDs,
			FirstMessage:   req.FirstMessage,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.Created(w, CreateChatResponse{Chat: conv, Message: msg})
	}
}

// GetChat handles GET /chats/{chatId}
func (h *ChatHandler) GetChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := limitOffset(r)

		conv, err := h.policy.GetChat(r.Context(), chi.URLParam(r, "chatId"), limit, offset)
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, conv)
	}
}

// SendMessageRequest represents the JSON body for sending a message
type SendMessageRequest struct {
	Content string  `json:"content"`
	ReplyTo *string `json:"reply_to,omitempty"`
}

// SendMessage handles POST /chats/{chatId}/messages. The body is either
// JSON or multipart with "content", optional "reply_to" and an "image" file.
func (h *ChatHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, cleanup, ok := readMessageForm(w, r)
		if !ok {
			return
		}
		defer cleanup()

		msg, err := h.policy.SendMessage(r.Context(), policy.SendMessageInput{
			ConversationID: chi.URLParam(r, "chatId"),
			Content:        in.Content,
			Image:          in.Image,
			ReplyTo:        in.ReplyTo,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.Created(w, msg)
	}
}

// Reply handles POST /chats/{chatId}/messages/{messageId}/replies
func (h *ChatHandler) Reply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, cleanup, ok := readMessageForm(w, r)
		if !ok {
			return
		}
		defer cleanup()

		msg, err := h.policy.Reply(r.Context(), policy.ReplyInput{
			ConversationID: chi.URLParam(r, "chatId"),
			ReplyTo:        chi.URLParam(r, "messageId"),
			Content:        in.Content,
			Image:          in.Image,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.Created(w, msg)
	}
}

// EditMessageRequest represents the request body for editing a message
type EditMessageRequest struct {
	NewText string `json:"new_text"`
}

// EditMessage handles PATCH /chats/{chatId}/messages/{messageId}
func (h *ChatHandler) EditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EditMessageRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		msg, err := h.policy.EditMessage(r.Context(), chi.URLParam(r, "messageId"), req.NewText)
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, msg)
	}
}

// DeleteMessage handles DELETE /chats/{chatId}/messages/{messageId}
func (h *ChatHandler) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.policy.DeleteMessage(r.Context(), chi.URLParam(r, "messageId"), chi.URLParam(r, "chatId"))
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.NoContent(w)
	}
}

type messageForm struct {
	Content string
	ReplyTo *string
	Image   *service.ImageUpload
}

// readMessageForm parses a JSON or multipart message body. It writes the
// error response itself and reports ok=false on failure.
func readMessageForm(w http.ResponseWriter, r *http.Request) (messageForm, func(), bool) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req SendMessageRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return messageForm{}, noop, false
		}
		return messageForm{Content: req.Content, ReplyTo: req.ReplyTo}, noop, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageSize+(1<<20))
	if err := r.ParseMultipartForm(storage.MaxImageSize); err != nil {
		response.BadRequest(w, "file too large or invalid multipart form")
		return messageForm{}, noop, false
	}

	form := messageForm{
		Content: r.FormValue("content"),
		ReplyTo: optional(r.FormValue("reply_to")),
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return form, noop, true
	}
	if err != nil {
		response.BadRequest(w, "invalid image")
		return messageForm{}, noop, false
	}

	form.Image = &service.ImageUpload{
		Reader:      file,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Filename:    header.Filename,
	}
	return form, func() { file.Close() }, true
}

func handleChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrMessageNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, entity.ErrEmptyMessage),
		errors.Is(err, entity.ErrMessageTooLong),
		errors.Is(err, entity.ErrReplyNotInConversation),
		errors.Is(err, entity.ErrInvalidParticipants),
		errors.Is(err, entity.ErrConversationRequired),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, storage.ErrImageTooLarge):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrRateLimited):
		response.TooManyRequests(w, err.Error())
	default:
		response.InternalError(w, "internal server error")
	}
}

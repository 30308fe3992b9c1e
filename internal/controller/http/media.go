package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/session"
	"github.com/vadim/atom/internal/storage"
)

// ImageUploader stores an image and reports where it lives
type ImageUploader interface {
	UploadImage(ctx context.Context, in storage.UploadInput) (*storage.ImageOutput, error)
}

// MediaHandler handles image upload HTTP requests
type MediaHandler struct {
	uploader ImageUploader
	logger   *slog.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(uploader ImageUploader, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{uploader: uploader, logger: logger}
}

// RegisterRoutes registers media routes
func (h *MediaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/media/upload", h.Upload())
}

// UploadResponse represents the response from upload endpoint
type UploadResponse struct {
	URL    string `json:"url"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Upload handles POST /media/upload with a multipart "file"
func (h *MediaHandler) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := session.UserID(r.Context())
		if err != nil {
			response.Unauthorized(w, err.Error())
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageSize+(1<<20))
		if err := r.ParseMultipartForm(storage.MaxImageSize); err != nil {
			response.BadRequest(w, "file too large or invalid multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.BadRequest(w, "missing file in request")
			return
		}
		defer file.Close()

		result, err := h.uploader.UploadImage(r.Context(), storage.UploadInput{
			Reader:      file,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Filename:    header.Filename,
			Prefix:      "uploads/" + userID,
		})
		if err != nil {
			if errors.Is(err, storage.ErrUnsupportedType) || errors.Is(err, storage.ErrImageTooLarge) {
				response.BadRequest(w, err.Error())
				return
			}
			h.logger.Error("image upload failed", "user_id", userID, "error", err)
			response.BadGateway(w, "failed to store file")
			return
		}

		response.Created(w, UploadResponse{
			URL:    result.URL,
			Key:    result.Key,
			Size:   result.Size,
			Width:  result.Width,
			Height: result.Height,
		})
	}
}

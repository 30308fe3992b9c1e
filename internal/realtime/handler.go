package realtime

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vadim/atom/internal/httpx/response"
	"github.com/vadim/atom/internal/metrics"
	"github.com/vadim/atom/internal/session"
)

// TokenVerifier resolves a session token to a user id
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler upgrades authenticated requests to realtime connections
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader
	opts     ConnOptions
	logger   *slog.Logger
}

// NewHandler creates the websocket gateway
func NewHandler(hub *Hub, verifier TokenVerifier, opts ConnOptions, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by CORS on the HTTP API; tokens authenticate sockets.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// RegisterRoutes registers the websocket endpoint
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime/v1/websocket", h.ServeHTTP)
}

// ServeHTTP handles GET /realtime/v1/websocket?token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := session.UserID(r.Context())
	if err != nil {
		token := session.TokenFromRequest(r)
		if token == "" {
			response.Unauthorized(w, "token is required")
			return
		}
		userID, err = h.verifier.Verify(token)
		if err != nil {
			response.Unauthorized(w, "invalid session token")
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(h.hub, ws, userID, h.opts, h.logger)
	h.hub.register(conn)
	metrics.RealtimeConnections.Inc()
	h.logger.Debug("realtime connection opened", "conn_id", conn.id, "user_id", userID)

	// The request context ends with this handler; the pumps own the socket from here.
	go conn.writePump()
	go conn.readPump()
}

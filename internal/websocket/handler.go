package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/caro-server/internal/session"
)

// SessionServer runs a game session over a connection until it closes
type SessionServer interface {
	ServeConn(ctx context.Context, conn session.Conn)
}

// Handler upgrades HTTP requests and hands the connection to the game server
type Handler struct {
	server   SessionServer
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler
func NewHandler(server SessionServer, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		server: server,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Game clients are not browsers bound to one origin
				return true
			},
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and blocks until the session ends
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.logger.Debug("new websocket connection", "remote_addr", ws.RemoteAddr().String())
	h.server.ServeConn(r.Context(), NewConn(ws, h.opts))
}

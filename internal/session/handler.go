// ABOUTME: HTTP endpoint that upgrades requests to WebSocket sessions
// ABOUTME: Negotiates the wire codec from the format query parameter before upgrading

package session

import (
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
)

// Handler upgrades HTTP requests and serves each connection as a session.
type Handler struct {
	hub    Hub
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a WebSocket endpoint bound to hub.
func NewHandler(hub Hub, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{
		hub:    hub,
		opts:   opts,
		logger: opts.Logger.With("component", "session"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := protocol.CodecFor(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written the error response
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := New(conn, codec, h.hub, h.opts)
	if err := c.Serve(r.Context()); err != nil {
		h.logger.Warn("session ended with error", "session_id", c.ID(), "error", err)
	}
}

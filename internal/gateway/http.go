// ABOUTME: HTTP handlers for the health endpoint and the websocket upgrade.
// ABOUTME: Runs the handshake and hands authenticated connections to sessions.

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/canalapp/canal-gateway/internal/auth"
	"github.com/canalapp/canal-gateway/internal/session"
	"github.com/canalapp/canal-gateway/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bots are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSocket upgrades the connection and runs it through handshake and
// session construction. Both failure paths kill the transport themselves;
// the handler just stops.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.logger.Info("connection accepted", "remote", r.RemoteAddr)

	conn := transport.New(ws, transport.Options{
		HeartbeatTimeout: g.config.Gateway.HeartbeatTimeout,
		Logger:           g.base.With("component", "transport", "remote", r.RemoteAddr),
	})

	bot, err := auth.Authenticate(r.Context(), conn, g.store, auth.Options{
		Timeout: g.config.Gateway.HandshakeTimeout,
		// Announcing a third of the timeout lets a bot miss two beats before
		// the window closes.
		HeartbeatInterval: g.config.Gateway.HeartbeatTimeout / 3,
		Logger:            g.base.With("component", "auth", "remote", r.RemoteAddr),
	})
	if err != nil {
		g.logger.Warn("handshake failed", "remote", r.RemoteAddr, "error", err)
		conn.Kill(auth.CloseErrorFor(err))
		return
	}

	if _, err := session.New(r.Context(), session.Params{
		Conn:     conn,
		Bot:      bot,
		Store:    g.store,
		Registry: g.registry,
		Logger:   g.base.With("remote", r.RemoteAddr),
	}); err != nil {
		g.logger.Error("starting session", "bot_id", bot.ID, "error", err)
	}
}

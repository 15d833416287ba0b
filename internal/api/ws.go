package api

import (
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	ws "github.com/floworc/floworc/internal/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin during development; auth for
	// this endpoint is handled at the deployment boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades the connection and registers it with the broadcast hub.
// The subscription filter comes from the handshake query string:
//
//	jobs     comma-separated job IDs, or "*" for all (default all)
//	types    comma-separated message types (default all)
//	snapshot "false" to skip the initial state snapshot
//
// The handler blocks in the read pump until the peer disconnects.
func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	filter := ws.ParseFilter(q.Get("jobs"), q.Get("types"))
	wantSnapshot := q.Get("snapshot") != "false"

	conn := ws.NewConn(sock, h.logger)
	id := h.hub.Subscribe(filter, conn, wantSnapshot)

	conn.ReadPump(func() {
		h.hub.Unsubscribe(id, "client disconnect")
	})
}

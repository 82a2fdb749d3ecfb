package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/markb/pushlite/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled elsewhere)
	},
}

// HandleWebSocket upgrades a client connection on /app/{appKey}. An unknown
// key is rejected before the upgrade.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	appKey := chi.URLParam(r, "appKey")
	app, ok := h.registry.ByKey(appKey)
	if !ok {
		log.Debug("transport: unknown app key", "app_key", appKey)
		http.Error(w, "Unknown app key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("transport: upgrade failed", "error", err.Error())
		return
	}

	conn := h.NewConn(ws, app)
	log.Debug("transport: new connection", "socket_id", conn.SocketID(), "app_id", app.ID)

	go conn.WritePump()
	go conn.ReadPump()
}

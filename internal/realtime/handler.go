package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler authenticates the token query parameter, upgrades the request and
// serves the session until it ends.
func Handler(h *Hub, auth Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Authenticate(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", "user_id", id.UserID, "error", err)
			return
		}
		s := h.Connect(id, conn)
		h.logger.Info("session opened", "user_id", id.UserID, "role", id.Role)
		h.Serve(r.Context(), s)
	})
}

package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tactcharge/internal/http/middleware"
	"tactcharge/internal/notifier"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already gates the endpoint; the app connects from native
	// webviews with no meaningful origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWSHandler returns GET /ws. The connection is attached to the hub and
// auto-subscribed to the authenticated user's topic.
func NewWSHandler(hub *notifier.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
			return
		}

		client := notifier.NewClient(userID, ws, hub, logger)
		client.Start(r.Context())
	}
}

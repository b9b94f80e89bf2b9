package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports backing store reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler returns GET /api/health. Reports degraded instead of
// failing the probe when the database is down, so the feed listener keeps
// running behind a live process.
func NewHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		if err := db.PingContext(ctx); err != nil {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

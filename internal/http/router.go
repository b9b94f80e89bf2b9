package httpserver

import (
	"net/http"

	"tactcharge/internal/http/middleware"
)

// Routes groups the endpoint handlers.
type Routes struct {
	Charging        *ChargingRoutes
	ConnectorStatus http.HandlerFunc
	Health          http.HandlerFunc
	WS              http.HandlerFunc
}

// ChargingRoutes are the authenticated /api/charging endpoints.
type ChargingRoutes struct {
	Start     http.HandlerFunc
	Stop      http.HandlerFunc
	Fault     http.HandlerFunc
	Active    http.HandlerFunc
	Get       http.HandlerFunc
	History   http.HandlerFunc
	CancelAll http.HandlerFunc
}

// NewRouter registers endpoints. Connector status and health are public; the
// charging endpoints and the realtime feed require a valid token.
func NewRouter(routes Routes, jwtSecret string) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(jwtSecret)

	if c := routes.Charging; c != nil {
		mux.Handle("POST /api/charging/start", auth(c.Start))
		mux.Handle("POST /api/charging/{id}/stop", auth(c.Stop))
		mux.Handle("POST /api/charging/{id}/fault", auth(c.Fault))
		mux.Handle("GET /api/charging/active", auth(c.Active))
		mux.Handle("GET /api/charging/history", auth(c.History))
		mux.Handle("GET /api/charging/{id}", auth(c.Get))
		mux.Handle("DELETE /api/charging/cancel-all", auth(c.CancelAll))
	}
	if routes.ConnectorStatus != nil {
		mux.Handle("GET /api/charging/connector/{id}/status", routes.ConnectorStatus)
	}
	if routes.Health != nil {
		mux.Handle("GET /api/health", routes.Health)
	}
	if routes.WS != nil {
		mux.Handle("GET /ws", auth(routes.WS))
	}
	return mux
}

// Package handlers implements the session API endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"tactcharge/internal/http/middleware"
	"tactcharge/internal/models"
	"tactcharge/internal/service"
)

// ChargingService is the operation surface the handlers call.
type ChargingService interface {
	StartCharging(ctx context.Context, req service.StartRequest) (*models.ChargingSession, error)
	StopCharging(ctx context.Context, userID, sessionID string) (*models.ChargingSession, error)
	ReportFault(ctx context.Context, userID, sessionID, errorCode, message string) (*models.ChargingSession, error)
	GetActiveSession(ctx context.Context, userID string) (*models.ChargingSession, error)
	GetSession(ctx context.Context, userID, sessionID string) (*models.ChargingSession, error)
	ListHistory(ctx context.Context, userID string, page, pageSize int) ([]models.ChargingSession, int, error)
	CancelAll(ctx context.Context, userID string) (int, error)
	ConnectorStatus(ctx context.Context, connectorID int) (string, error)
}

// ChargingHandler serves the /api/charging endpoints.
type ChargingHandler struct {
	svc    ChargingService
	logger *zap.Logger
}

// NewChargingHandler builds the handler set.
func NewChargingHandler(svc ChargingService, logger *zap.Logger) *ChargingHandler {
	return &ChargingHandler{svc: svc, logger: logger}
}

type startChargingRequest struct {
	StationID   string `json:"stationId"`
	ChargerID   string `json:"chargerId"`
	ConnectorID int    `json:"connectorId"`
}

type reportFaultRequest struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Start handles POST /api/charging/start.
func (h *ChargingHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startChargingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	session, err := h.svc.StartCharging(r.Context(), service.StartRequest{
		UserID:      userID,
		StationID:   req.StationID,
		ChargerID:   req.ChargerID,
		ConnectorID: req.ConnectorID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, "charging session created", session)
}

// Stop handles POST /api/charging/{id}/stop.
func (h *ChargingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.svc.StopCharging(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	message := "charging session stopped"
	if session.Active() {
		message = "stop requested, awaiting confirmation"
	}
	writeData(w, http.StatusOK, message, session)
}

// Fault handles POST /api/charging/{id}/fault.
func (h *ChargingHandler) Fault(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req reportFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	session, err := h.svc.ReportFault(r.Context(), userID, r.PathValue("id"), req.ErrorCode, req.Message)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, "fault recorded", session)
}

// Active handles GET /api/charging/active.
func (h *ChargingHandler) Active(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.svc.GetActiveSession(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, "", session)
}

// Get handles GET /api/charging/{id}.
func (h *ChargingHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.svc.GetSession(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, "", session)
}

// History handles GET /api/charging/history.
func (h *ChargingHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	sessions, total, err := h.svc.ListHistory(r.Context(), userID, page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChargingSession{}
	}
	writeData(w, http.StatusOK, "", map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// CancelAll handles DELETE /api/charging/cancel-all.
func (h *ChargingHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cleared, err := h.svc.CancelAll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, "active sessions cleared", map[string]int{"cleared": cleared})
}

// ConnectorStatus handles GET /api/charging/connector/{id}/status. Public:
// the app shows connector availability before the user signs in.
func (h *ChargingHandler) ConnectorStatus(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}

	status, err := h.svc.ConnectorStatus(r.Context(), connectorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]interface{}{
		"connectorId": connectorID,
		"status":      status,
	})
}

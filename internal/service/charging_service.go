// Package service implements the user-facing charging operations. It sits
// between the HTTP transport and the charge point controller: it owns session
// creation and user-initiated stops, while protocol-driven transitions belong
// to the reconciler.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tactcharge/internal/csms"
	"tactcharge/internal/models"
	"tactcharge/internal/notifier"
	"tactcharge/internal/registry"
	"tactcharge/internal/repository"
)

// Connector IDs the hardware exposes. Connector 1 is the CCS2 port,
// connector 2 the AC port.
const (
	minConnectorID = 1
	maxConnectorID = 2
)

// CommandGateway issues commands to the charge point controller.
type CommandGateway interface {
	RegisterCredential(ctx context.Context, tag, description string) csms.CommandResult
	RemoveCredential(ctx context.Context, tag string) csms.CommandResult
	StartSession(ctx context.Context, connectorID int, tag string) csms.CommandResult
	StopSession(ctx context.Context, transactionID int64) csms.CommandResult
	QueryPointStatus(ctx context.Context) map[int]string
}

// SessionStore is the session persistence surface the service needs.
type SessionStore interface {
	CreatePreparing(ctx context.Context, session *models.ChargingSession) error
	GetByID(ctx context.Context, id string) (*models.ChargingSession, error)
	GetActiveByUser(ctx context.Context, userID string) (*models.ChargingSession, error)
	ApplyPartialUpdate(ctx context.Context, id string, upd models.SessionUpdate) error
	ListHistory(ctx context.Context, userID string, page, pageSize int) ([]models.ChargingSession, int, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.ChargingSession, error)
}

// StationStore resolves station catalog data.
type StationStore interface {
	FindCharger(ctx context.Context, stationID, chargerID string, connectorID int) (*models.Charger, error)
	GetConnectorStatus(ctx context.Context, connectorID int) (string, error)
}

// ChargingService coordinates session lifecycle on behalf of users.
type ChargingService struct {
	sessions     SessionStore
	stations     StationStore
	gateway      CommandGateway
	registry     registry.Registry
	notifier     notifier.Publisher
	logger       *zap.Logger
	cpID         string
	defaultPrice float64
	now          func() time.Time
}

// NewChargingService builds the service.
func NewChargingService(
	sessions SessionStore,
	stations StationStore,
	gateway CommandGateway,
	reg registry.Registry,
	pub notifier.Publisher,
	cpID string,
	defaultPrice float64,
	logger *zap.Logger,
) *ChargingService {
	return &ChargingService{
		sessions:     sessions,
		stations:     stations,
		gateway:      gateway,
		registry:     reg,
		notifier:     pub,
		logger:       logger,
		cpID:         cpID,
		defaultPrice: defaultPrice,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest is the input for StartCharging.
type StartRequest struct {
	UserID      string
	StationID   string
	ChargerID   string
	ConnectorID int
}

// StartCharging provisions a credential on the charge point, asks it to start,
// and records a Preparing session. The session becomes Charging only when the
// controller confirms with a StartTransaction event.
func (s *ChargingService) StartCharging(ctx context.Context, req StartRequest) (*models.ChargingSession, error) {
	if req.UserID == "" {
		return nil, ErrValidation
	}
	if req.ConnectorID < minConnectorID || req.ConnectorID > maxConnectorID {
		return nil, ErrValidation
	}

	existing, err := s.sessions.GetActiveByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrActiveSessionExists
	}

	pricePerKwh := s.defaultPrice
	chargerType := ""
	charger, err := s.stations.FindCharger(ctx, req.StationID, req.ChargerID, req.ConnectorID)
	if err != nil {
		s.logger.Warn("charger lookup failed, using default price",
			zap.String("station_id", req.StationID),
			zap.Error(err))
	} else if charger != nil {
		if charger.PricePerKwh > 0 {
			pricePerKwh = charger.PricePerKwh
		}
		chargerType = charger.Type
	}

	tag := csms.GenerateTag(req.UserID)

	if res := s.gateway.RegisterCredential(ctx, tag, "user "+req.UserID); !res.Accepted() {
		s.logger.Error("credential registration refused",
			zap.String("id_tag", tag),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason))
		return nil, gatewayError(res)
	}

	if err := s.registry.RegisterTag(ctx, tag, req.UserID); err != nil {
		s.gateway.RemoveCredential(ctx, tag)
		return nil, err
	}

	if res := s.gateway.StartSession(ctx, req.ConnectorID, tag); !res.Accepted() {
		s.logger.Error("remote start refused",
			zap.String("id_tag", tag),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason))
		s.rollbackTag(ctx, tag)
		return nil, gatewayError(res)
	}

	session := &models.ChargingSession{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		StationID:   req.StationID,
		ChargerID:   req.ChargerID,
		ChargerType: chargerType,
		CPID:        s.cpID,
		ConnectorID: req.ConnectorID,
		IDTag:       tag,
		State:       models.StatePreparing,
		Status:      models.StatusActive,
		PricePerKwh: pricePerKwh,
		StartTime:   s.now(),
	}

	if err := s.sessions.CreatePreparing(ctx, session); err != nil {
		s.rollbackTag(ctx, tag)
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, ErrActiveSessionExists
		}
		return nil, err
	}

	s.logger.Info("charging session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", req.UserID),
		zap.Int("connector_id", req.ConnectorID),
		zap.String("id_tag", tag))

	return session, nil
}

// StopCharging ends the user's session. A session still in Preparing never
// reached the hardware, so it is cancelled locally; a confirmed session needs
// a remote stop and finalizes when the StopTransaction event arrives.
func (s *ChargingService) StopCharging(ctx context.Context, userID, sessionID string) (*models.ChargingSession, error) {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, ErrNotFound
	}

	if session.State == models.StatePreparing {
		if err := s.cancelLocally(ctx, session, models.ReasonCancelled); err != nil {
			return nil, err
		}
		return s.sessions.GetByID(ctx, sessionID)
	}

	if session.TransactionID == nil {
		return nil, ErrUpstreamUnavailable
	}
	if res := s.gateway.StopSession(ctx, *session.TransactionID); !res.Accepted() {
		s.logger.Error("remote stop refused",
			zap.String("session_id", session.ID),
			zap.Int64("transaction_id", *session.TransactionID),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason))
		return nil, gatewayError(res)
	}

	s.logger.Info("remote stop accepted, awaiting confirmation",
		zap.String("session_id", session.ID))
	return session, nil
}

// ReportFault lets a user flag their session as faulted, for example after
// the vehicle displayed a hardware error the feed never reported.
func (s *ChargingService) ReportFault(ctx context.Context, userID, sessionID, errorCode, message string) (*models.ChargingSession, error) {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, ErrNotFound
	}

	if errorCode == "" {
		errorCode = "USER_REPORTED"
	}
	state := models.StateFaulted
	upd := models.SessionUpdate{
		State:     &state,
		ErrorCode: &errorCode,
	}
	if message != "" {
		upd.ErrorMessage = &message
	}
	if err := s.sessions.ApplyPartialUpdate(ctx, sessionID, upd); err != nil {
		return nil, err
	}

	s.logger.Warn("session fault reported by user",
		zap.String("session_id", sessionID),
		zap.String("error_code", errorCode))

	s.notifier.PublishToUser(userID, notifier.EventChargingFaulted, map[string]interface{}{
		"sessionId": sessionID,
		"errorCode": errorCode,
	})
	return s.sessions.GetByID(ctx, sessionID)
}

// GetActiveSession returns the user's single active session.
func (s *ChargingService) GetActiveSession(ctx context.Context, userID string) (*models.ChargingSession, error) {
	session, err := s.sessions.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNotFound
	}
	return session, nil
}

// GetSession returns one session, enforcing ownership.
func (s *ChargingService) GetSession(ctx context.Context, userID, sessionID string) (*models.ChargingSession, error) {
	return s.ownedSession(ctx, userID, sessionID)
}

// ListHistory returns the user's finished sessions, newest first.
func (s *ChargingService) ListHistory(ctx context.Context, userID string, page, pageSize int) ([]models.ChargingSession, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.sessions.ListHistory(ctx, userID, page, pageSize)
}

// CancelAll force-finalizes every active session of the caller. Escape hatch
// for sessions stuck between the controller and the database; a remote stop
// is attempted best-effort for confirmed sessions.
func (s *ChargingService) CancelAll(ctx context.Context, userID string) (int, error) {
	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for i := range active {
		session := &active[i]
		if session.TransactionID != nil {
			if res := s.gateway.StopSession(ctx, *session.TransactionID); !res.Accepted() {
				s.logger.Warn("remote stop refused during cancel-all",
					zap.String("session_id", session.ID),
					zap.String("reason", res.Reason))
			}
		}
		if err := s.cancelLocally(ctx, session, models.ReasonCancelled); err != nil {
			s.logger.Error("cancel-all finalize failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		cleared++
	}

	s.logger.Info("cancel-all completed",
		zap.String("user_id", userID),
		zap.Int("cleared", cleared),
		zap.Int("total", len(active)))
	return cleared, nil
}

// ConnectorStatus reports the live status of a connector, falling back to the
// last persisted status when the controller cannot be reached.
func (s *ChargingService) ConnectorStatus(ctx context.Context, connectorID int) (string, error) {
	if connectorID < minConnectorID || connectorID > maxConnectorID {
		return "", ErrValidation
	}

	if statuses := s.gateway.QueryPointStatus(ctx); len(statuses) > 0 {
		if status, ok := statuses[connectorID]; ok {
			return status, nil
		}
	}

	status, err := s.stations.GetConnectorStatus(ctx, connectorID)
	if err != nil {
		return "", err
	}
	if status == "" {
		return "Unknown", nil
	}
	return status, nil
}

func (s *ChargingService) ownedSession(ctx context.Context, userID, sessionID string) (*models.ChargingSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrNotOwner
	}
	return session, nil
}

// cancelLocally finalizes a session without waiting for the controller and
// cleans up its registry entries.
func (s *ChargingService) cancelLocally(ctx context.Context, session *models.ChargingSession, reason string) error {
	state := models.StateStopped
	status := models.StatusInactive
	endTime := s.now()
	upd := models.SessionUpdate{
		State:   &state,
		Status:  &status,
		EndTime: &endTime,
	}
	if err := s.sessions.ApplyPartialUpdate(ctx, session.ID, upd); err != nil {
		return err
	}

	s.rollbackTag(ctx, session.IDTag)
	if session.TransactionID != nil {
		if err := s.registry.UnbindTransaction(ctx, *session.TransactionID); err != nil {
			s.logger.Warn("transaction unbind failed",
				zap.Int64("transaction_id", *session.TransactionID),
				zap.Error(err))
		}
	}

	s.logger.Info("session cancelled locally",
		zap.String("session_id", session.ID),
		zap.String("reason", reason))

	payload := map[string]interface{}{
		"sessionId":     session.ID,
		"energyCharged": session.EnergyCharged,
		"chargingTime":  session.ChargingTime,
		"totalPrice":    session.TotalPrice,
		"reason":        reason,
	}
	s.notifier.PublishToUser(session.UserID, notifier.EventChargingStopped, payload)
	s.notifier.PublishToSession(session.ID, notifier.EventChargingStopped, payload)
	return nil
}

// rollbackTag removes a provisioned credential from both the registry and the
// charge point. Failures are logged; the tag is regenerated deterministically
// per user so a leak self-heals on the next start.
func (s *ChargingService) rollbackTag(ctx context.Context, tag string) {
	if err := s.registry.UnregisterTag(ctx, tag); err != nil {
		s.logger.Warn("tag unregister failed", zap.String("id_tag", tag), zap.Error(err))
	}
	if res := s.gateway.RemoveCredential(ctx, tag); res.Failed() {
		s.logger.Warn("credential removal failed", zap.String("id_tag", tag), zap.String("reason", res.Reason))
	}
}

func gatewayError(res csms.CommandResult) error {
	if res.Failed() {
		return ErrUpstreamUnavailable
	}
	return ErrUpstreamRejected
}

// Package reconciler applies the inbound CSMS event stream to charging
// session records. It is the single writer for protocol-driven transitions:
// Preparing -> Charging on a confirmed start, metric accumulation on meter
// samples, finalization on stop, and fallback finalization when a connector
// goes quiet without an explicit stop.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tactcharge/internal/csms"
	"tactcharge/internal/models"
	"tactcharge/internal/notifier"
	"tactcharge/internal/registry"
)

// Conversion factors applied to delivered energy.
const (
	carbonKgPerKwh  = 0.5
	fuelLiterPerKwh = 0.3
)

// SessionStore is the subset of the session repository the reconciler needs.
// The maybe-finders return nil without error when no session matches.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*models.ChargingSession, error)
	GetActiveByUser(ctx context.Context, userID string) (*models.ChargingSession, error)
	GetActiveByConnector(ctx context.Context, connectorID int) (*models.ChargingSession, error)
	ApplyPartialUpdate(ctx context.Context, id string, upd models.SessionUpdate) error
}

// ConnectorStatusStore persists the latest reported connector status.
type ConnectorStatusStore interface {
	UpdateConnectorStatus(ctx context.Context, connectorID int, status string) error
}

// Reconciler consumes decoded protocol events and drives session state.
type Reconciler struct {
	store    SessionStore
	stations ConnectorStatusStore
	registry registry.Registry
	notifier notifier.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a reconciler.
func New(
	store SessionStore,
	stations ConnectorStatusStore,
	reg registry.Registry,
	pub notifier.Publisher,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:    store,
		stations: stations,
		registry: reg,
		notifier: pub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes events until the channel closes or the context is cancelled.
// Events are applied strictly in arrival order on this single worker; that is
// what guarantees a StartTransaction is visible before the MeterValues that
// follow it.
func (r *Reconciler) Run(ctx context.Context, events <-chan csms.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ctx, event)
		}
	}
}

// Apply processes one event. Unresolvable or malformed events are logged and
// dropped; they never fail the worker.
func (r *Reconciler) Apply(ctx context.Context, event csms.Event) {
	switch ev := event.(type) {
	case csms.StartTransactionEvent:
		r.handleStartTransaction(ctx, ev)
	case csms.MeterValuesEvent:
		r.handleMeterValues(ctx, ev)
	case csms.StopTransactionEvent:
		r.handleStopTransaction(ctx, ev)
	case csms.StatusNotificationEvent:
		r.handleStatusNotification(ctx, ev)
	default:
		r.logger.Warn("unhandled event kind", zap.String("action", event.Action()))
	}
}

func (r *Reconciler) handleStartTransaction(ctx context.Context, ev csms.StartTransactionEvent) {
	tag := registry.NormalizeTag(ev.IDTag)
	userID, ok, err := r.registry.ResolveTag(ctx, tag)
	if err != nil {
		r.logger.Error("tag resolve failed", zap.String("id_tag", tag), zap.Error(err))
		return
	}
	if !ok {
		r.logger.Warn("start for unknown tag, dropping", zap.String("id_tag", tag))
		return
	}

	session, err := r.store.GetActiveByUser(ctx, userID)
	if err != nil {
		r.logger.Error("active session lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if session == nil || session.State != models.StatePreparing || session.IDTag != tag {
		r.logger.Warn("no preparing session for tag, dropping start",
			zap.String("id_tag", tag),
			zap.String("user_id", userID))
		return
	}

	state := models.StateCharging
	upd := models.SessionUpdate{
		TransactionID: &ev.TransactionID,
		MeterStart:    &ev.MeterStart,
		State:         &state,
	}
	if err := r.store.ApplyPartialUpdate(ctx, session.ID, upd); err != nil {
		r.logger.Error("start transition failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	if err := r.registry.BindTransaction(ctx, ev.TransactionID, session.ID); err != nil {
		r.logger.Error("transaction bind failed",
			zap.Int64("transaction_id", ev.TransactionID),
			zap.Error(err))
	}

	r.logger.Info("session charging",
		zap.String("session_id", session.ID),
		zap.Int64("transaction_id", ev.TransactionID))

	r.notifier.PublishToUser(userID, notifier.EventChargingStarted, map[string]interface{}{
		"sessionId":     session.ID,
		"transactionId": ev.TransactionID,
		"state":         models.StateCharging,
		"connectorId":   ev.ConnectorID,
	})
}

func (r *Reconciler) handleMeterValues(ctx context.Context, ev csms.MeterValuesEvent) {
	sessionID, ok, err := r.registry.ResolveTransaction(ctx, ev.TransactionID)
	if err != nil {
		r.logger.Error("transaction resolve failed", zap.Int64("transaction_id", ev.TransactionID), zap.Error(err))
		return
	}
	if !ok {
		r.logger.Warn("meter values for unknown transaction, dropping",
			zap.Int64("transaction_id", ev.TransactionID))
		return
	}

	session, err := r.store.GetByID(ctx, sessionID)
	if err != nil {
		r.logger.Error("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !session.Active() {
		r.logger.Warn("meter values for inactive session, dropping", zap.String("session_id", sessionID))
		return
	}

	var meterStartKwh float64
	if session.MeterStart != nil {
		meterStartKwh = float64(*session.MeterStart) / 1000.0
	}
	energy := ev.EnergyKwh - meterStartKwh
	if energy < 0 {
		energy = 0
	}
	// Cumulative energy never decreases while active; a lower hardware
	// reading means a stale or reordered sample.
	if energy < session.EnergyCharged {
		energy = session.EnergyCharged
	}

	metrics := r.deriveMetrics(session, energy)
	upd := models.SessionUpdate{
		PowerKw:       &ev.PowerKw,
		EnergyCharged: &energy,
		ChargingTime:  &metrics.chargingTime,
		TotalPrice:    &metrics.totalPrice,
		CarbonReduce:  &metrics.carbonReduce,
		FuelUsed:      &metrics.fuelUsed,
	}
	if ev.HasSoC {
		upd.SoC = &ev.SoC
	}
	if err := r.store.ApplyPartialUpdate(ctx, session.ID, upd); err != nil {
		r.logger.Error("meter update failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	payload := map[string]interface{}{
		"sessionId":     session.ID,
		"powerKw":       ev.PowerKw,
		"energyCharged": energy,
		"chargingTime":  metrics.chargingTime,
		"totalPrice":    metrics.totalPrice,
		"carbonReduce":  metrics.carbonReduce,
		"fuelUsed":      metrics.fuelUsed,
		"voltage":       ev.Voltage,
		"currentA":      ev.CurrentA,
		"timestamp":     r.now().Format(time.RFC3339),
	}
	if ev.HasSoC {
		payload["soc"] = ev.SoC
	} else {
		payload["soc"] = nil
	}
	r.notifier.PublishToSession(session.ID, notifier.EventMeterUpdate, payload)
}

func (r *Reconciler) handleStopTransaction(ctx context.Context, ev csms.StopTransactionEvent) {
	sessionID, ok, err := r.registry.ResolveTransaction(ctx, ev.TransactionID)
	if err != nil {
		r.logger.Error("transaction resolve failed", zap.Int64("transaction_id", ev.TransactionID), zap.Error(err))
		return
	}
	if !ok {
		r.logger.Warn("stop for unknown transaction, dropping",
			zap.Int64("transaction_id", ev.TransactionID))
		return
	}

	session, err := r.store.GetByID(ctx, sessionID)
	if err != nil {
		r.logger.Error("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	// The terminal payload carries the hardware's own total, which wins over
	// anything accumulated from meter samples.
	energy := float64(ev.EnergyWh) / 1000.0
	metrics := r.deriveMetrics(session, energy)

	if err := r.finalize(ctx, session, energy, metrics, models.SessionUpdate{
		MeterStop: &ev.MeterStop,
	}); err != nil {
		r.logger.Error("stop finalize failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	r.logger.Info("session stopped",
		zap.String("session_id", session.ID),
		zap.String("reason", ev.Reason))

	r.publishStopped(session, energy, metrics, ev.Reason)
	r.unregister(ctx, session)
}

func (r *Reconciler) handleStatusNotification(ctx context.Context, ev csms.StatusNotificationEvent) {
	if err := r.stations.UpdateConnectorStatus(ctx, ev.ConnectorID, ev.Status); err != nil {
		r.logger.Warn("connector status persist failed",
			zap.Int("connector_id", ev.ConnectorID),
			zap.Error(err))
	}

	// Raw connector status is public telemetry for every client.
	r.notifier.PublishGlobal(notifier.EventConnectorStatus, map[string]interface{}{
		"cpId":        ev.ChargePointID,
		"connectorId": ev.ConnectorID,
		"status":      ev.Status,
		"errorCode":   ev.ErrorCode,
	})

	switch ev.Status {
	case csms.StatusAvailable, csms.StatusFinishing:
		r.fallbackFinalize(ctx, ev)
	case csms.StatusFaulted:
		r.markFaulted(ctx, ev)
	}
}

// fallbackFinalize closes a session whose StopTransaction never arrived. A
// connector reporting Available or Finishing while a session is still bound
// to it is conclusive evidence the hardware stopped; locally accumulated
// metrics stand in for the missing terminal payload.
func (r *Reconciler) fallbackFinalize(ctx context.Context, ev csms.StatusNotificationEvent) {
	session, err := r.store.GetActiveByConnector(ctx, ev.ConnectorID)
	if err != nil {
		r.logger.Error("connector session lookup failed", zap.Int("connector_id", ev.ConnectorID), zap.Error(err))
		return
	}
	if session == nil {
		return
	}

	energy := session.EnergyCharged
	metrics := r.deriveMetrics(session, energy)

	if err := r.finalize(ctx, session, energy, metrics, models.SessionUpdate{}); err != nil {
		r.logger.Error("fallback finalize failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	r.logger.Info("session finalized via connector fallback",
		zap.String("session_id", session.ID),
		zap.Int("connector_id", ev.ConnectorID),
		zap.String("connector_status", ev.Status))

	r.publishStopped(session, energy, metrics, models.ReasonConnectorAvailable)
	r.unregister(ctx, session)
}

// markFaulted records a hardware fault on the charging session bound to the
// connector. The session stays Active; an explicit stop or the connector
// fallback finalizes it later.
func (r *Reconciler) markFaulted(ctx context.Context, ev csms.StatusNotificationEvent) {
	session, err := r.store.GetActiveByConnector(ctx, ev.ConnectorID)
	if err != nil {
		r.logger.Error("connector session lookup failed", zap.Int("connector_id", ev.ConnectorID), zap.Error(err))
		return
	}
	if session == nil || session.State != models.StateCharging {
		return
	}

	errorCode := ev.ErrorCode
	if errorCode == "" {
		errorCode = "CONNECTOR_FAULT"
	}
	state := models.StateFaulted
	if err := r.store.ApplyPartialUpdate(ctx, session.ID, models.SessionUpdate{
		State:     &state,
		ErrorCode: &errorCode,
	}); err != nil {
		r.logger.Error("fault transition failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	r.logger.Warn("session faulted",
		zap.String("session_id", session.ID),
		zap.Int("connector_id", ev.ConnectorID),
		zap.String("error_code", errorCode))

	r.notifier.PublishToUser(session.UserID, notifier.EventChargingFaulted, map[string]interface{}{
		"sessionId":   session.ID,
		"connectorId": ev.ConnectorID,
		"errorCode":   errorCode,
	})
}

type derivedMetrics struct {
	chargingTime int64
	totalPrice   float64
	carbonReduce float64
	fuelUsed     float64
}

func (r *Reconciler) deriveMetrics(session *models.ChargingSession, energyKwh float64) derivedMetrics {
	elapsed := int64(r.now().Sub(session.StartTime).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	return derivedMetrics{
		chargingTime: elapsed,
		totalPrice:   energyKwh * session.PricePerKwh,
		carbonReduce: energyKwh * carbonKgPerKwh,
		fuelUsed:     energyKwh * fuelLiterPerKwh,
	}
}

func (r *Reconciler) finalize(
	ctx context.Context,
	session *models.ChargingSession,
	energy float64,
	metrics derivedMetrics,
	extra models.SessionUpdate,
) error {
	state := models.StateStopped
	status := models.StatusInactive
	endTime := r.now()

	extra.State = &state
	extra.Status = &status
	extra.EnergyCharged = &energy
	extra.ChargingTime = &metrics.chargingTime
	extra.TotalPrice = &metrics.totalPrice
	extra.CarbonReduce = &metrics.carbonReduce
	extra.FuelUsed = &metrics.fuelUsed
	extra.EndTime = &endTime

	return r.store.ApplyPartialUpdate(ctx, session.ID, extra)
}

func (r *Reconciler) publishStopped(session *models.ChargingSession, energy float64, metrics derivedMetrics, reason string) {
	payload := map[string]interface{}{
		"sessionId":     session.ID,
		"energyCharged": energy,
		"chargingTime":  metrics.chargingTime,
		"totalPrice":    metrics.totalPrice,
		"carbonReduce":  metrics.carbonReduce,
		"reason":        reason,
	}
	r.notifier.PublishToUser(session.UserID, notifier.EventChargingStopped, payload)
	r.notifier.PublishToSession(session.ID, notifier.EventChargingStopped, payload)
}

// unregister drops the session's identity registry entries once it is
// terminal.
func (r *Reconciler) unregister(ctx context.Context, session *models.ChargingSession) {
	if err := r.registry.UnregisterTag(ctx, session.IDTag); err != nil {
		r.logger.Warn("tag unregister failed", zap.String("id_tag", session.IDTag), zap.Error(err))
	}
	if session.TransactionID != nil {
		if err := r.registry.UnbindTransaction(ctx, *session.TransactionID); err != nil {
			r.logger.Warn("transaction unbind failed",
				zap.Int64("transaction_id", *session.TransactionID),
				zap.Error(err))
		}
	}
}

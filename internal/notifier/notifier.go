// Package notifier fans out session and connector events to subscribed
// clients over WebSocket, scoped by user and session topics.
package notifier

// Publisher is the outbound event interface used by the reconciler and the
// charging service. Publishing to a topic with no subscribers is a silent
// no-op. Delivery is best-effort, at most once; clients reconcile through the
// active-session query after a reconnect.
type Publisher interface {
	PublishToUser(userID, event string, payload interface{})
	PublishToSession(sessionID, event string, payload interface{})
	PublishGlobal(event string, payload interface{})
}

// Client-facing event names.
const (
	EventChargingStarted = "chargingStarted"
	EventMeterUpdate     = "meterUpdate"
	EventChargingStopped = "chargingStopped"
	EventChargingFaulted = "chargingFaulted"
	EventConnectorStatus = "connectorStatus"
)

// UserTopic names the per-user topic.
func UserTopic(userID string) string {
	return "user:" + userID
}

// SessionTopic names the per-session topic.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

package models

import "time"

// SessionState is the lifecycle state of a charging session.
type SessionState string

// Lifecycle states. Preparing and Charging count as active; Stopped and
// Faulted are terminal for the state machine, though a Faulted session stays
// Active until an explicit stop or connector fallback finalizes it.
const (
	StatePreparing SessionState = "Preparing"
	StateCharging  SessionState = "Charging"
	StateStopped   SessionState = "Stopped"
	StateFaulted   SessionState = "Faulted"
)

// SessionStatus is the persisted activity flag, kept separate from state for
// query efficiency.
type SessionStatus string

// Activity flags.
const (
	StatusActive   SessionStatus = "Active"
	StatusInactive SessionStatus = "Inactive"
)

// Stop reasons recorded on locally finalized sessions.
const (
	ReasonCancelled          = "CANCELLED"
	ReasonConnectorAvailable = "ConnectorAvailable"
)

// ChargingSession is the durable record of one charging session.
type ChargingSession struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	StationID   string `json:"stationId"`
	ChargerID   string `json:"chargerId"`
	ChargerType string `json:"chargerType"`

	// OCPP identity fields. TransactionID and MeterStart arrive only with a
	// confirmed StartTransaction.
	CPID          string `json:"cpId"`
	ConnectorID   int    `json:"connectorId"`
	IDTag         string `json:"idTag"`
	TransactionID *int64 `json:"transactionId,omitempty"`
	MeterStart    *int64 `json:"meterStart,omitempty"` // Wh
	MeterStop     *int64 `json:"meterStop,omitempty"`  // Wh

	State  SessionState  `json:"state"`
	Status SessionStatus `json:"status"`

	// Live metrics, frozen when the session leaves Charging. SoC stays nil
	// for connector types that do not report it.
	SoC           *float64 `json:"soc"`
	PowerKw       float64  `json:"powerKw"`
	EnergyCharged float64  `json:"energyCharged"` // kWh
	ChargingTime  int64    `json:"chargingTime"`  // seconds
	TotalPrice    float64  `json:"totalPrice"`
	CarbonReduce  float64  `json:"carbonReduce"`
	FuelUsed      float64  `json:"fuelUsed"`
	PricePerKwh   float64  `json:"pricePerKwh"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the session still occupies its user's single active slot.
func (s *ChargingSession) Active() bool {
	return s.Status == StatusActive
}

// SessionUpdate carries a partial update; only non-nil fields are written.
type SessionUpdate struct {
	TransactionID *int64
	MeterStart    *int64
	MeterStop     *int64
	State         *SessionState
	Status        *SessionStatus
	SoC           *float64
	PowerKw       *float64
	EnergyCharged *float64
	ChargingTime  *int64
	TotalPrice    *float64
	CarbonReduce  *float64
	FuelUsed      *float64
	EndTime       *time.Time
	ErrorCode     *string
	ErrorMessage  *string
}

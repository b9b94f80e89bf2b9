// Package csms talks to the external charge station management system: an
// HTTP command API for outbound control and a WebSocket feed of decoded OCPP
// events inbound.
package csms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Feed actions carried in log frames.
const (
	ActionStartTransaction   = "StartTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStopTransaction    = "StopTransaction"
	ActionStatusNotification = "StatusNotification"
)

// Connector status strings reported by the charge point.
const (
	StatusAvailable = "Available"
	StatusPreparing = "Preparing"
	StatusCharging  = "Charging"
	StatusFinishing = "Finishing"
	StatusFaulted   = "Faulted"
)

// Event is one decoded protocol event from the CSMS feed. The set of kinds is
// closed; the reconciler dispatches with an exhaustive type switch.
type Event interface {
	Action() string
}

// StartTransactionEvent confirms the charge point started a transaction.
type StartTransactionEvent struct {
	ChargePointID string
	TransactionID int64
	IDTag         string
	ConnectorID   int
	MeterStart    int64 // Wh
}

// Action implements Event.
func (StartTransactionEvent) Action() string { return ActionStartTransaction }

// MeterValuesEvent carries a periodic metering sample. EnergyKwh is the
// absolute hardware counter, not a delta. HasSoC is false for connector types
// that do not report state of charge.
type MeterValuesEvent struct {
	ChargePointID string
	TransactionID int64
	ConnectorID   int
	SoC           float64
	HasSoC        bool
	PowerKw       float64
	EnergyKwh     float64
	Voltage       float64
	CurrentA      float64
	Timestamp     time.Time
}

// Action implements Event.
func (MeterValuesEvent) Action() string { return ActionMeterValues }

// StopTransactionEvent reports a finished transaction with its authoritative
// energy total.
type StopTransactionEvent struct {
	ChargePointID string
	TransactionID int64
	MeterStop     int64 // Wh
	EnergyWh      int64
	Reason        string
}

// Action implements Event.
func (StopTransactionEvent) Action() string { return ActionStopTransaction }

// StatusNotificationEvent announces a connector status change.
type StatusNotificationEvent struct {
	ChargePointID string
	ConnectorID   int
	Status        string
	ErrorCode     string
}

// Action implements Event.
func (StatusNotificationEvent) Action() string { return ActionStatusNotification }

// Frame kinds on the feed. Only log frames carry events; an init frame lists
// the known charge points and marks the moment to re-trigger status.
const (
	frameInit = "init"
	frameLog  = "log"
)

type feedFrame struct {
	Type         string            `json:"type"`
	ChargePoints []json.RawMessage `json:"charge_points"`
	Data         struct {
		Action    string          `json:"action"`
		CPID      string          `json:"cp_id"`
		Direction string          `json:"direction"`
		Data      json.RawMessage `json:"data"`
	} `json:"data"`
}

// flexInt tolerates numbers delivered as JSON strings, which the feed does
// for connector ids and energy totals.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		parsed, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		v = int64(parsed)
	}
	*f = flexInt(v)
	return nil
}

type startTransactionPayload struct {
	TxnID      flexInt `json:"txnId"`
	IDTag      string  `json:"idTag"`
	Connector  flexInt `json:"connector"`
	MeterStart flexInt `json:"meterStart"`
}

type meterValuesPayload struct {
	TxnID     flexInt           `json:"txnId"`
	Connector flexInt           `json:"connector"`
	Values    map[string]string `json:"values"`
}

type stopTransactionPayload struct {
	TxnID     flexInt `json:"txnId"`
	MeterStop flexInt `json:"meterStop"`
	Energy    flexInt `json:"energy"`
	Reason    string  `json:"reason"`
}

type statusNotificationPayload struct {
	Connector flexInt `json:"connector"`
	Status    string  `json:"status"`
	Error     string  `json:"error"`
}

// Measurand keys in MeterValues samples.
const (
	measurandSoC     = "SoC"
	measurandPower   = "Power.Active.Import"
	measurandEnergy  = "Energy.Active.Import.Register"
	measurandVoltage = "Voltage"
	measurandCurrent = "Current.Import"
)

var numberPattern = regexp.MustCompile(`[\d.]+`)

// parseMeasurand extracts the leading number from a sample such as
// "45 Percent" or "11.2 kW".
func parseMeasurand(raw string) float64 {
	match := numberPattern.FindString(raw)
	if match == "" {
		return 0
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return v
}

// decodeEvent turns a log-frame action payload into a typed event.
func decodeEvent(action, cpID string, payload json.RawMessage) (Event, error) {
	switch action {
	case ActionStartTransaction:
		var p startTransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("csms: decode %s: %w", action, err)
		}
		return StartTransactionEvent{
			ChargePointID: cpID,
			TransactionID: int64(p.TxnID),
			IDTag:         p.IDTag,
			ConnectorID:   int(p.Connector),
			MeterStart:    int64(p.MeterStart),
		}, nil

	case ActionMeterValues:
		var p meterValuesPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("csms: decode %s: %w", action, err)
		}
		ev := MeterValuesEvent{
			ChargePointID: cpID,
			TransactionID: int64(p.TxnID),
			ConnectorID:   int(p.Connector),
			PowerKw:       parseMeasurand(p.Values[measurandPower]),
			EnergyKwh:     parseMeasurand(p.Values[measurandEnergy]),
			Voltage:       parseMeasurand(p.Values[measurandVoltage]),
			CurrentA:      parseMeasurand(p.Values[measurandCurrent]),
			Timestamp:     time.Now().UTC(),
		}
		if raw, ok := p.Values[measurandSoC]; ok {
			ev.SoC = parseMeasurand(raw)
			ev.HasSoC = true
		}
		return ev, nil

	case ActionStopTransaction:
		var p stopTransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("csms: decode %s: %w", action, err)
		}
		return StopTransactionEvent{
			ChargePointID: cpID,
			TransactionID: int64(p.TxnID),
			MeterStop:     int64(p.MeterStop),
			EnergyWh:      int64(p.Energy),
			Reason:        p.Reason,
		}, nil

	case ActionStatusNotification:
		var p statusNotificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("csms: decode %s: %w", action, err)
		}
		return StatusNotificationEvent{
			ChargePointID: cpID,
			ConnectorID:   int(p.Connector),
			Status:        p.Status,
			ErrorCode:     p.Error,
		}, nil

	default:
		return nil, fmt.Errorf("csms: unsupported action %s", action)
	}
}

package models

// Station describes a charging location.
type Station struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ChargerModel string  `json:"chargerModel"`
	Status       string  `json:"status"`
}

// Charger is one physical charging port on a station.
type Charger struct {
	ID          string  `json:"id"`
	StationID   string  `json:"stationId"`
	Type        string  `json:"type"` // CCS2 or AC
	ConnectorID int     `json:"connectorId"`
	Status      string  `json:"status"`
	PricePerKwh float64 `json:"pricePerKwh"`
	Enabled     bool    `json:"enabled"`
}

package repository

import (
	"context"
	"database/sql"
	"errors"

	"tactcharge/internal/models"
)

// StationRepository reads the station/charger catalog and persists connector
// status reported by the charge point.
type StationRepository struct {
	db *sql.DB
}

// NewStationRepository returns repository.
func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// GetStation returns station by identity or ErrNotFound.
func (r *StationRepository) GetStation(ctx context.Context, id string) (*models.Station, error) {
	const query = `
		SELECT id, name, address, latitude, longitude, charger_model, status
		FROM stations
		WHERE id = $1
	`
	var s models.Station
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.Address,
		&s.Latitude,
		&s.Longitude,
		&s.ChargerModel,
		&s.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindCharger locates a charger on a station by charger id or, failing that,
// by connector number. Returns nil when the station has no matching charger.
func (r *StationRepository) FindCharger(ctx context.Context, stationID, chargerID string, connectorID int) (*models.Charger, error) {
	const query = `
		SELECT id, station_id, type, connector_id, status, price_per_kwh, enabled
		FROM chargers
		WHERE station_id = $1 AND (id = $2 OR connector_id = $3)
		ORDER BY CASE WHEN id = $2 THEN 0 ELSE 1 END
		LIMIT 1
	`
	var c models.Charger
	err := r.db.QueryRowContext(ctx, query, stationID, chargerID, connectorID).Scan(
		&c.ID,
		&c.StationID,
		&c.Type,
		&c.ConnectorID,
		&c.Status,
		&c.PricePerKwh,
		&c.Enabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// UpdateConnectorStatus stores the latest reported status for a connector.
// Missing connectors are ignored, mirroring status reports for hardware the
// catalog does not know about.
func (r *StationRepository) UpdateConnectorStatus(ctx context.Context, connectorID int, status string) error {
	const query = `
		UPDATE chargers
		SET status = $2, updated_at = NOW()
		WHERE connector_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, connectorID, status)
	return err
}

// GetConnectorStatus returns the stored status for a connector, or empty when
// unknown.
func (r *StationRepository) GetConnectorStatus(ctx context.Context, connectorID int) (string, error) {
	const query = `SELECT status FROM chargers WHERE connector_id = $1 LIMIT 1`
	var status string
	err := r.db.QueryRowContext(ctx, query, connectorID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return status, nil
}

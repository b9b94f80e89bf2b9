package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"tactcharge/internal/models"
)

const uniqueViolationCode = "23505"

const sessionColumns = `
	id, user_id, station_id, charger_id, charger_type, cp_id, connector_id,
	id_tag, transaction_id, meter_start, meter_stop, state, status,
	soc, power_kw, energy_charged, charging_time, total_price, carbon_reduce,
	fuel_used, price_per_kwh, start_time, end_time, error_code, error_message,
	created_at, updated_at
`

// SessionRepository handles persistence of charging sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository returns repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreatePreparing inserts a new Preparing session. The one-active-session-per-
// user invariant is enforced by a partial unique index on (user_id) where
// status = 'Active'; a conflicting insert returns ErrActiveSessionExists.
func (r *SessionRepository) CreatePreparing(ctx context.Context, session *models.ChargingSession) error {
	const query = `
		INSERT INTO charging_sessions (
			id, user_id, station_id, charger_id, charger_type, cp_id, connector_id,
			id_tag, state, status, price_per_kwh, start_time, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (user_id) WHERE status = 'Active' DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		session.ID,
		session.UserID,
		session.StationID,
		session.ChargerID,
		session.ChargerType,
		session.CPID,
		session.ConnectorID,
		session.IDTag,
		session.State,
		session.Status,
		session.PricePerKwh,
		session.StartTime,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrActiveSessionExists
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrActiveSessionExists
		}
		return err
	}
	return nil
}

// GetByID returns session by identity or ErrNotFound.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM charging_sessions WHERE id = $1`, sessionColumns)
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// GetActiveByUser returns the user's active session, or nil when there is none.
func (r *SessionRepository) GetActiveByUser(ctx context.Context, userID string) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE user_id = $1 AND status = 'Active'
		ORDER BY start_time DESC
		LIMIT 1
	`, sessionColumns)
	session, err := scanSession(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// GetActiveByConnector returns the active session bound to a connector, or nil.
func (r *SessionRepository) GetActiveByConnector(ctx context.Context, connectorID int) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE connector_id = $1 AND status = 'Active'
		ORDER BY start_time DESC
		LIMIT 1
	`, sessionColumns)
	session, err := scanSession(r.db.QueryRowContext(ctx, query, connectorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// ApplyPartialUpdate writes only the non-nil fields of the update.
func (r *SessionRepository) ApplyPartialUpdate(ctx context.Context, id string, upd models.SessionUpdate) error {
	set := []string{"updated_at = NOW()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.TransactionID != nil {
		add("transaction_id", *upd.TransactionID)
	}
	if upd.MeterStart != nil {
		add("meter_start", *upd.MeterStart)
	}
	if upd.MeterStop != nil {
		add("meter_stop", *upd.MeterStop)
	}
	if upd.State != nil {
		add("state", string(*upd.State))
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.SoC != nil {
		add("soc", *upd.SoC)
	}
	if upd.PowerKw != nil {
		add("power_kw", *upd.PowerKw)
	}
	if upd.EnergyCharged != nil {
		add("energy_charged", *upd.EnergyCharged)
	}
	if upd.ChargingTime != nil {
		add("charging_time", *upd.ChargingTime)
	}
	if upd.TotalPrice != nil {
		add("total_price", *upd.TotalPrice)
	}
	if upd.CarbonReduce != nil {
		add("carbon_reduce", *upd.CarbonReduce)
	}
	if upd.FuelUsed != nil {
		add("fuel_used", *upd.FuelUsed)
	}
	if upd.EndTime != nil {
		add("end_time", *upd.EndTime)
	}
	if upd.ErrorCode != nil {
		add("error_code", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}

	query := fmt.Sprintf(`UPDATE charging_sessions SET %s WHERE id = $1`, strings.Join(set, ", "))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHistory returns a page of the user's inactive sessions, newest first,
// together with the total count.
func (r *SessionRepository) ListHistory(ctx context.Context, userID string, page, pageSize int) ([]models.ChargingSession, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}

	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE user_id = $1 AND status = 'Inactive'
		ORDER BY end_time DESC NULLS LAST
		LIMIT $2 OFFSET $3
	`, sessionColumns)
	rows, err := r.db.QueryContext(ctx, query, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, 0, err
	}

	const countQuery = `
		SELECT COUNT(*) FROM charging_sessions
		WHERE user_id = $1 AND status = 'Inactive'
	`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListActive returns all active sessions, used to rebuild the identity
// registry at startup.
func (r *SessionRepository) ListActive(ctx context.Context) ([]models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE status = 'Active'
		ORDER BY start_time DESC
	`, sessionColumns)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListActiveByUser returns all of the user's active sessions.
func (r *SessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE user_id = $1 AND status = 'Active'
		ORDER BY start_time DESC
	`, sessionColumns)
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.ChargingSession, error) {
	var (
		s             models.ChargingSession
		transactionID sql.NullInt64
		meterStart    sql.NullInt64
		meterStop     sql.NullInt64
		soc           sql.NullFloat64
		endTime       sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.StationID,
		&s.ChargerID,
		&s.ChargerType,
		&s.CPID,
		&s.ConnectorID,
		&s.IDTag,
		&transactionID,
		&meterStart,
		&meterStop,
		&s.State,
		&s.Status,
		&soc,
		&s.PowerKw,
		&s.EnergyCharged,
		&s.ChargingTime,
		&s.TotalPrice,
		&s.CarbonReduce,
		&s.FuelUsed,
		&s.PricePerKwh,
		&s.StartTime,
		&endTime,
		&s.ErrorCode,
		&s.ErrorMessage,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if transactionID.Valid {
		s.TransactionID = &transactionID.Int64
	}
	if meterStart.Valid {
		s.MeterStart = &meterStart.Int64
	}
	if meterStop.Valid {
		s.MeterStop = &meterStop.Int64
	}
	if soc.Valid {
		s.SoC = &soc.Float64
	}
	if endTime.Valid {
		t := endTime.Time
		s.EndTime = &t
	}
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]models.ChargingSession, error) {
	var sessions []models.ChargingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

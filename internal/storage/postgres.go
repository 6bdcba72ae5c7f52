package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"hermes/internal/logger"
	"hermes/internal/models"
)

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 20

// DefaultReadingsLimit bounds Readings when the caller passes no limit.
const DefaultReadingsLimit = 100

// maxHistoryLimit caps a single History read.
const maxHistoryLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_id   TEXT        PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	device_id  TEXT        NOT NULL,
	heart_rate BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_device_time_idx ON alerts (device_id, timestamp DESC);
CREATE TABLE IF NOT EXISTS health_data (
	id         BIGSERIAL   PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	device_id  TEXT        NOT NULL,
	heart_rate BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS health_data_device_time_idx ON health_data (device_id, timestamp DESC);
`

// undefinedTable is the postgres SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// ErrSchemaMissing is returned when a history table does not exist.
var ErrSchemaMissing = errors.New("history table does not exist")

// ErrDeviceRequired is returned by Readings for an empty device id.
var ErrDeviceRequired = errors.New("device id is required")

// Postgres stores alerts in the alerts table and readings in health_data.
type Postgres struct {
	conn *sql.DB
}

// NewPostgres opens a connection pool, checks it and creates the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := NewPostgresWithDB(conn)
	if err := p.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log := logger.WithComponent("postgres")
	log.Info().Msg("connected to postgres history store")
	return p, nil
}

// NewPostgresWithDB wraps an open *sql.DB.
func NewPostgresWithDB(conn *sql.DB) *Postgres {
	return &Postgres{conn: conn}
}

// EnsureSchema creates the history tables and indexes when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PersistAlert inserts the alert. Re-delivery of the same alert id is a no-op.
func (p *Postgres) PersistAlert(ctx context.Context, env *models.Envelope) error {
	const query = `
		INSERT INTO alerts (alert_id, timestamp, device_id, heart_rate)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (alert_id) DO NOTHING
	`
	_, err := p.conn.ExecContext(ctx, query, env.AlertID, env.ObservedAt, env.Alert.DeviceID, env.Alert.Value)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", env.AlertID, classify(err))
	}
	return nil
}

// History returns alerts newest first, optionally for one device.
func (p *Postgres) History(ctx context.Context, deviceID string, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var query string
	var args []interface{}

	if deviceID != "" {
		query = `
			SELECT alert_id, timestamp, device_id, heart_rate
			FROM alerts
			WHERE device_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		`
		args = []interface{}{deviceID, limit}
	} else {
		query = `
			SELECT alert_id, timestamp, device_id, heart_rate
			FROM alerts
			ORDER BY timestamp DESC
			LIMIT $1
		`
		args = []interface{}{limit}
	}

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", classify(err))
	}
	defer rows.Close()

	records := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var r AlertRecord
		if err := rows.Scan(&r.AlertID, &r.Timestamp, &r.DeviceID, &r.HeartRate); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PersistReading inserts one reading.
func (p *Postgres) PersistReading(ctx context.Context, reading Reading) error {
	const query = `
		INSERT INTO health_data (timestamp, device_id, heart_rate)
		VALUES ($1, $2, $3)
	`
	_, err := p.conn.ExecContext(ctx, query, reading.Timestamp, reading.DeviceID, reading.HeartRate)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", reading.DeviceID, classify(err))
	}
	return nil
}

// Readings returns one device's readings, newest first.
func (p *Postgres) Readings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	const query = `
		SELECT timestamp, device_id, heart_rate
		FROM health_data
		WHERE device_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := p.conn.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", classify(err))
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.Timestamp, &r.DeviceID, &r.HeartRate); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	if p.conn != nil {
		log := logger.WithComponent("postgres")
		log.Info().Msg("closing database connection")
		return p.conn.Close()
	}
	return nil
}

// classify maps driver errors onto package errors where callers care.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s", ErrSchemaMissing, pqErr.Message)
	}
	return err
}

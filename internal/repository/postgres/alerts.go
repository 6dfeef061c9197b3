// Package postgres persists alerts in PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	type            TEXT NOT NULL,
	message         TEXT NOT NULL,
	value           DOUBLE PRECISION NOT NULL,
	threshold       DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_device_created_idx ON alerts (device_id, created_at DESC);
CREATE INDEX IF NOT EXISTS alerts_status_created_idx ON alerts (status, created_at DESC);
`

const alertColumns = `id, device_id, type, message, value, threshold, status, acknowledged_by, acknowledged_at, created_at`

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// AlertRepository implements the alert store on top of an alerts table.
type AlertRepository struct {
	db *sql.DB
}

func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// EnsureSchema creates the alerts table and indexes when missing.
func (r *AlertRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure alerts schema: %w", err)
	}
	return nil
}

func (r *AlertRepository) Record(ctx context.Context, a data.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.DeviceID, string(a.Type), a.Message, a.Value, a.Threshold, string(a.Status),
		nullString(a.AcknowledgedBy), a.AcknowledgedAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// List returns alerts newest first.
func (r *AlertRepository) List(ctx context.Context, f data.AlertFilter) ([]data.Alert, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		conds = append(conds, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []data.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

func (r *AlertRepository) Acknowledge(ctx context.Context, id, by string) (data.Alert, error) {
	query := `UPDATE alerts
		SET status = $1, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $4
		RETURNING ` + alertColumns

	row := r.db.QueryRowContext(ctx, query, string(data.StatusAcknowledged), nullString(by), time.Now().UTC(), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return data.Alert{}, data.ErrAlertNotFound
	}
	if err != nil {
		return data.Alert{}, err
	}

	logger.WithComponent("postgres").Info().Str("alert_id", id).Str("by", by).Msg("alert acknowledged")
	return a, nil
}

// Clear deletes acknowledged alerts created before olderThan. Active alerts
// are never deleted.
func (r *AlertRepository) Clear(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE status <> $1 AND created_at < $2`,
		string(data.StatusActive), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("clear alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear alerts: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (data.Alert, error) {
	var (
		a      data.Alert
		typ    string
		status string
		ackBy  sql.NullString
		ackAt  sql.NullTime
	)
	err := s.Scan(&a.ID, &a.DeviceID, &typ, &a.Message, &a.Value, &a.Threshold, &status, &ackBy, &ackAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return data.Alert{}, err
	}
	if err != nil {
		return data.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	a.Type = data.AlertType(typ)
	a.Status = data.AlertStatus(status)
	a.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		t := ackAt.Time.UTC()
		a.AcknowledgedAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createAlertsSQL = `CREATE TABLE IF NOT EXISTS radar_alerts (
        id                 BIGSERIAL PRIMARY KEY,
        alert_id           UUID        NOT NULL UNIQUE,
        fingerprint        TEXT        NOT NULL,
        kind               TEXT        NOT NULL,
        subject            TEXT        NOT NULL,
        channel            TEXT        NOT NULL,
        magnitude          NUMERIC     NOT NULL,
        direction          TEXT        NOT NULL DEFAULT '',
        is_future_contract BOOLEAN     NOT NULL DEFAULT FALSE,
        status             TEXT        NOT NULL,
        error              TEXT,
        payload            JSONB,
        observed_at        TIMESTAMPTZ NOT NULL,
        created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS radar_alerts_created_at_idx ON radar_alerts (created_at);
    CREATE INDEX IF NOT EXISTS radar_alerts_kind_idx ON radar_alerts (kind, created_at);`

	insertAlertSQL = `INSERT INTO radar_alerts (
        alert_id,
        fingerprint,
        kind,
        subject,
        channel,
        magnitude,
        direction,
        is_future_contract,
        status,
        error,
        payload,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (alert_id) DO UPDATE
    SET status = EXCLUDED.status,
        error  = EXCLUDED.error
    RETURNING id, created_at;`

	selectAlertColumns = `SELECT
        id,
        alert_id::text,
        fingerprint,
        kind,
        subject,
        channel,
        magnitude::text,
        direction,
        is_future_contract,
        status,
        error,
        payload,
        observed_at,
        created_at
    FROM radar_alerts`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = selectAlertColumns + `
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	countAlertsSQL = `SELECT COUNT(*) FROM radar_alerts;`

	deleteAlertsBeforeSQL = `DELETE FROM radar_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]Alert, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed alert audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the audit table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createAlertsSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on a dedicated connection until unlock is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists a delivery attempt. Re-inserting the same AlertID updates its status.
func (s *Store) InsertAlert(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	var errMsg interface{}
	if alert.Error != nil {
		errMsg = *alert.Error
	}
	var payload interface{}
	if len(alert.Payload) > 0 {
		payload = []byte(alert.Payload)
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Fingerprint,
		alert.Kind,
		alert.Subject,
		alert.Channel,
		alert.Magnitude.String(),
		alert.Direction,
		alert.IsFutureContract,
		alert.Status,
		errMsg,
		payload,
		alert.ObservedAt,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts created within [from, to).
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, 0)
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// DeleteAlertsBefore deletes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]Alert, error) {
	alerts := make([]Alert, 0, capacity)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (Alert, error) {
	var (
		rec          Alert
		magnitudeStr string
		errMsg       sql.NullString
		payload      []byte
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Fingerprint,
		&rec.Kind,
		&rec.Subject,
		&rec.Channel,
		&magnitudeStr,
		&rec.Direction,
		&rec.IsFutureContract,
		&rec.Status,
		&errMsg,
		&payload,
		&rec.ObservedAt,
		&rec.CreatedAt,
	); err != nil {
		return Alert{}, err
	}

	magnitude, err := decimal.NewFromString(magnitudeStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse magnitude: %w", err)
	}
	rec.Magnitude = magnitude

	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and verifies
// it with a bounded ping.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{Client: db}, nil
}

// Migrate applies the schema idempotently. Statements run one at a
// time so a partial earlier run does not block the rest.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
			id      TEXT PRIMARY KEY,
			name    TEXT NOT NULL DEFAULT '',
			active  BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id                     TEXT PRIMARY KEY,
			name                   TEXT NOT NULL,
			mode                   TEXT NOT NULL,
			start_time             TIMESTAMPTZ NOT NULL,
			end_time               TIMESTAMPTZ NOT NULL,
			late_tolerance_minutes INTEGER NOT NULL DEFAULT 0,
			qr_enabled             BOOLEAN NOT NULL DEFAULT FALSE,
			status                 TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_zones (
			id            TEXT PRIMARY KEY,
			event_id      TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			name          TEXT NOT NULL DEFAULT '',
			lat           DOUBLE PRECISION NOT NULL,
			lng           DOUBLE PRECISION NOT NULL,
			radius_meters DOUBLE PRECISION NOT NULL,
			kind          TEXT NOT NULL DEFAULT '',
			position      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			event_id           TEXT NOT NULL,
			occurred_at        TIMESTAMPTZ NOT NULL,
			status             TEXT NOT NULL,
			trust_score        INTEGER NOT NULL DEFAULT 0,
			badges             TEXT NOT NULL DEFAULT '',
			proof_hash         TEXT NOT NULL DEFAULT '',
			proof_ref          TEXT NOT NULL DEFAULT '',
			lat                DOUBLE PRECISION,
			lng                DOUBLE PRECISION,
			accuracy_meters    DOUBLE PRECISION,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			note               TEXT NOT NULL DEFAULT '',
			face_score         DOUBLE PRECISION,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id     TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			bound_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_event ON attendance_records (event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_face_pending ON attendance_records (created_at) WHERE proof_ref <> '' AND face_score IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

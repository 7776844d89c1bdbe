// Package store keeps the SQLite registry of known pointing devices: when
// each was registered and the sensitivity last chosen for it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    hardware_id     TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    first_seen      INTEGER NOT NULL,
    last_registered INTEGER NOT NULL DEFAULT 0,
    sensitivity     REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS registrations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    hardware_id     TEXT NOT NULL REFERENCES devices(hardware_id) ON DELETE CASCADE,
    registered_at   INTEGER NOT NULL,
    source          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_registrations_device ON registrations(hardware_id, registered_at);
`

// ErrUnknownDevice is returned for operations on a hardware identifier the
// registry has never recorded.
var ErrUnknownDevice = errors.New("store: unknown device")

// Store is the SQLite device registry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
// busyTimeout bounds how long a write waits for another process holding
// the database.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordRegistration upserts the device and appends a history entry.
func (s *Store) RecordRegistration(hwID, name string, source Source) error {
	if hwID == "" {
		return fmt.Errorf("record registration: empty hardware id")
	}
	now := s.now().UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO devices (hardware_id, name, first_seen, last_registered)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hardware_id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN devices.name ELSE excluded.name END,
			last_registered = excluded.last_registered`,
		hwID, name, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO registrations (hardware_id, registered_at, source)
		VALUES (?, ?, ?)`, hwID, now, string(source),
	); err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetSensitivity stores the multiplier chosen for a known device.
func (s *Store) SetSensitivity(hwID string, multiplier float64) error {
	result, err := s.db.Exec(`UPDATE devices SET sensitivity = ? WHERE hardware_id = ?`, multiplier, hwID)
	if err != nil {
		return fmt.Errorf("set sensitivity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, hwID)
	}
	return nil
}

// Sensitivity returns the stored multiplier; ok is false when the device is
// unknown or none was stored.
func (s *Store) Sensitivity(hwID string) (v float64, ok bool, err error) {
	err = s.db.QueryRow(`SELECT sensitivity FROM devices WHERE hardware_id = ?`, hwID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get sensitivity: %w", err)
	}
	return v, v > 0, nil
}

// Forget removes a device and its history. Unknown devices are ignored.
func (s *Store) Forget(hwID string) error {
	if _, err := s.db.Exec(`DELETE FROM devices WHERE hardware_id = ?`, hwID); err != nil {
		return fmt.Errorf("forget device: %w", err)
	}
	return nil
}

// Devices lists every known device, most recently registered first.
func (s *Store) Devices() ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT hardware_id, name, first_seen, last_registered, sensitivity
		FROM devices
		ORDER BY last_registered DESC, hardware_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var first, last int64
		if err := rows.Scan(&d.HardwareID, &d.Name, &first, &last, &d.Sensitivity); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeen = time.Unix(0, first)
		if last > 0 {
			d.LastRegistered = time.Unix(0, last)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// History returns the registration entries for a device, oldest first.
func (s *Store) History(hwID string) ([]Registration, error) {
	rows, err := s.db.Query(`
		SELECT id, hardware_id, registered_at, source
		FROM registrations
		WHERE hardware_id = ?
		ORDER BY registered_at ASC, id ASC`, hwID)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var r Registration
		var at int64
		var source string
		if err := rows.Scan(&r.ID, &r.HardwareID, &at, &source); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		r.RegisteredAt = time.Unix(0, at)
		r.Source = Source(source)
		regs = append(regs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return regs, nil
}

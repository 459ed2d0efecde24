// Package state persists operator settings, lifetime counters and
// firmware metadata in a local SQLite database so they survive
// restarts.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known setting keys.
const (
	KeyFrequency = "frequency"
	KeyVoltage   = "voltage"
	KeyFanDuty   = "fan_duty"
)

// Well-known lifetime counters.
const (
	CounterAccepted       = "shares_accepted"
	CounterRejected       = "shares_rejected"
	CounterHardwareErrors = "hardware_errors"
	CounterUptimeSeconds  = "uptime_seconds"
)

// Store wraps the SQLite handle. A single Store owns the file; SQLite
// does not tolerate concurrent writers on separate connections.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at path, creating parent
// directories and tables as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	if err := ensureTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS firmware (
			module_id    INTEGER PRIMARY KEY,
			version      TEXT NOT NULL,
			installed_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create state tables: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSetting upserts one setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// Setting reads one setting; ok is false when it was never written.
func (s *Store) Setting(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSettingInt stores an integer setting.
func (s *Store) SetSettingInt(key string, value int) error {
	return s.SetSetting(key, strconv.Itoa(value))
}

// SettingInt reads an integer setting, falling back to def when unset
// or unparseable.
func (s *Store) SettingInt(key string, def int) (int, error) {
	raw, ok, err := s.Setting(key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, nil
	}
	return v, nil
}

// AddCounter adds delta to a lifetime counter, creating it at delta.
func (s *Store) AddCounter(name string, delta uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`,
		name, delta)
	return err
}

// Counter reads a lifetime counter, zero when never written.
func (s *Store) Counter(name string) (uint64, error) {
	var v uint64
	err := s.db.QueryRow("SELECT value FROM counters WHERE name = ?", name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// RecordFirmware notes the firmware version running on a module.
func (s *Store) RecordFirmware(moduleID int, version string) error {
	_, err := s.db.Exec(`
		INSERT INTO firmware (module_id, version, installed_at) VALUES (?, ?, ?)
		ON CONFLICT(module_id) DO UPDATE SET version = excluded.version, installed_at = excluded.installed_at`,
		moduleID, version, time.Now().Unix())
	return err
}

// Firmware returns the recorded version for a module, empty when
// unknown.
func (s *Store) Firmware(moduleID int) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT version FROM firmware WHERE module_id = ?", moduleID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

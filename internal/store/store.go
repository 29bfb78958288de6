// Package store persists the last known status of each lock in SQLite so a
// restart begins from the stale-but-last-known state instead of Unknown.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/gimdow-ble/internal/lock"
	"github.com/chaz8081/gimdow-ble/internal/registry"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	busyTimeoutMS     = 5000
	connectionTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS lock_status (
	device_id          TEXT PRIMARY KEY,
	state              TEXT    NOT NULL,
	battery            INTEGER NOT NULL,
	battery_state      INTEGER,
	auto_lock          INTEGER NOT NULL,
	auto_lock_seconds  INTEGER NOT NULL,
	motor_direction    INTEGER NOT NULL,
	volume             INTEGER NOT NULL,
	last_seen          INTEGER,
	updated_at         INTEGER NOT NULL
)`

// Store is a SQLite-backed status store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing state database: %w", err)
	}
	return nil
}

// Save records st as the last known status of deviceID. Door, connectivity
// and the virtual auto-lock settings are runtime-only and not stored.
func (s *Store) Save(ctx context.Context, deviceID string, st lock.Status) error {
	var batteryState sql.NullInt64
	if st.HasBattery {
		batteryState = sql.NullInt64{Int64: int64(st.BatteryState), Valid: true}
	}
	var lastSeen sql.NullInt64
	if !st.LastSeen.IsZero() {
		lastSeen = sql.NullInt64{Int64: st.LastSeen.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lock_status (device_id, state, battery, battery_state, auto_lock,
			auto_lock_seconds, motor_direction, volume, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			state = excluded.state,
			battery = excluded.battery,
			battery_state = excluded.battery_state,
			auto_lock = excluded.auto_lock,
			auto_lock_seconds = excluded.auto_lock_seconds,
			motor_direction = excluded.motor_direction,
			volume = excluded.volume,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		deviceID, st.State.String(), st.Battery, batteryState, st.AutoLock,
		st.AutoLockSeconds, int(st.Direction), int(st.Volume), lastSeen, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving status for %s: %w", deviceID, err)
	}
	return nil
}

// Load returns the stored status of deviceID. The bool is false when nothing
// has been stored yet.
func (s *Store) Load(ctx context.Context, deviceID string) (lock.Status, bool, error) {
	var (
		state                       string
		st                          lock.Status
		batteryState, lastSeen      sql.NullInt64
		direction, volume, autoLock int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, battery, battery_state, auto_lock, auto_lock_seconds,
			motor_direction, volume, last_seen
		FROM lock_status WHERE device_id = ?`, deviceID,
	).Scan(&state, &st.Battery, &batteryState, &autoLock, &st.AutoLockSeconds, &direction, &volume, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return lock.Status{Battery: -1}, false, nil
	}
	if err != nil {
		return lock.Status{}, false, fmt.Errorf("loading status for %s: %w", deviceID, err)
	}

	if st.State, err = lock.ParseState(state); err != nil {
		slog.Warn("[STORE] ignoring stored state", "device", deviceID, "error", err)
		st.State = lock.Unknown
	}
	st.AutoLock = autoLock != 0
	st.Direction = registry.Direction(direction)
	st.Volume = registry.Volume(volume)
	if batteryState.Valid {
		st.BatteryState = registry.BatteryState(batteryState.Int64)
		st.HasBattery = true
	}
	if lastSeen.Valid {
		st.LastSeen = time.UnixMilli(lastSeen.Int64)
	}
	return st, true, nil
}

// Follow saves every status from updates until ctx is done or updates is
// closed. Failed saves are logged and skipped.
func (s *Store) Follow(ctx context.Context, deviceID string, updates <-chan lock.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := s.Save(ctx, deviceID, st); err != nil {
				slog.Warn("[STORE] status not saved", "device", deviceID, "error", err)
			}
		}
	}
}

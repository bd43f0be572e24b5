// Package storage persists the last known state of every device so it
// survives restarts.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// Snapshot is the stored state of one device.
type Snapshot struct {
	Family    string        `json:"family"`
	DeviceID  string        `json:"device_id"`
	State     *device.State `json:"state"` // nil once the device was removed
	Removed   bool          `json:"removed"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store provides versioned device state storage with JSON payloads.
// State is keyed by (family, device id); every write bumps the version.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a new snapshot store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save stores state for a device. A nil state marks the device removed and
// keeps the previous payload.
func (s *Store) Save(family, id string, state *device.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Unix()

	if state == nil {
		_, err := s.db.Exec(`
			INSERT INTO device_state (family, device_id, payload, removed, version, updated_at)
			VALUES (?, ?, NULL, 1, 1, ?)
			ON CONFLICT(family, device_id) DO UPDATE SET
				removed = 1,
				version = version + 1,
				updated_at = excluded.updated_at
		`, family, id, now)
		return err
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO device_state (family, device_id, payload, removed, version, updated_at)
		VALUES (?, ?, ?, 0, 1, ?)
		ON CONFLICT(family, device_id) DO UPDATE SET
			payload = excluded.payload,
			removed = 0,
			version = version + 1,
			updated_at = excluded.updated_at
	`, family, id, string(payload), now)

	if err == nil {
		log.Debug().
			Str("family", family).
			Str("device", id).
			Str("payload", string(payload)).
			Msg("Device state stored")
	}
	return err
}

// Get retrieves the snapshot for a device. Returns false if none exists.
func (s *Store) Get(family, id string) (*Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT family, device_id, payload, removed, version, updated_at
		FROM device_state
		WHERE family = ? AND device_id = ?
	`, family, id)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// All returns every snapshot of a family, ordered by device id.
// If family is empty, returns snapshots of all families.
func (s *Store) All(family string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if family == "" {
		rows, err = s.db.Query(`
			SELECT family, device_id, payload, removed, version, updated_at
			FROM device_state ORDER BY family, device_id
		`)
	} else {
		rows, err = s.db.Query(`
			SELECT family, device_id, payload, removed, version, updated_at
			FROM device_state WHERE family = ? ORDER BY device_id
		`, family)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a device snapshot.
func (s *Store) Delete(family, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM device_state WHERE family = ? AND device_id = ?
	`, family, id)
	return err
}

// Clear removes all snapshots for a family. If family is empty, clears all.
func (s *Store) Clear(family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if family == "" {
		_, err = s.db.Exec(`DELETE FROM device_state`)
	} else {
		_, err = s.db.Exec(`DELETE FROM device_state WHERE family = ?`, family)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap      Snapshot
		payload   sql.NullString
		removed   int
		updatedAt int64
	)
	if err := row.Scan(&snap.Family, &snap.DeviceID, &payload, &removed, &snap.Version, &updatedAt); err != nil {
		return nil, err
	}

	snap.Removed = removed != 0
	snap.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if payload.Valid && payload.String != "" && !snap.Removed {
		var state device.State
		if err := json.Unmarshal([]byte(payload.String), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		snap.State = &state
	}
	return &snap, nil
}

// Package ledger provides an append-only history of device commands.
// Every debounced dispatch ends up here, successful or not.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dokzlo13/devsync/internal/debounce"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCommandDispatched EventType = "command_dispatched"
	EventCommandFailed     EventType = "command_failed"
)

// Entry represents a single command outcome in the ledger
type Entry struct {
	ID        int64     `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"command_id"`
	Family    string    `json:"family"`
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Coalesced int       `json:"coalesced"`
	Error     string    `json:"error,omitempty"`
}

// Ledger provides append-only command logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Record appends the outcome of a dispatched command. err nil means success.
func (l *Ledger) Record(family string, cmd debounce.Command, err error) error {
	e := Entry{
		EventType: EventCommandDispatched,
		CommandID: cmd.ID,
		Family:    family,
		DeviceID:  cmd.DeviceID,
		Kind:      string(cmd.Kind),
		Payload:   cmd.Payload,
		Coalesced: cmd.Coalesced,
	}
	if err != nil {
		e.EventType = EventCommandFailed
		e.Error = err.Error()
	}
	return l.Append(e)
}

// Append adds a new entry to the ledger. ID and Timestamp are assigned here.
func (l *Ledger) Append(e Entry) error {
	var payloadJSON []byte
	if e.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := l.db.Exec(`
		INSERT INTO command_ledger (event_type, timestamp, command_id, family, device_id, kind, payload, coalesced, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.EventType), l.now().UTC().UnixMilli(), e.CommandID, e.Family, e.DeviceID, e.Kind,
		nullable(string(payloadJSON)), e.Coalesced, nullable(e.Error))
	return err
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, command_id, family, device_id, kind, payload, coalesced, error
		FROM command_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// ForDevice returns the newest entries for one device first.
func (l *Ledger) ForDevice(family, deviceID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, command_id, family, device_id, kind, payload, coalesced, error
		FROM command_ledger
		WHERE family = ? AND device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, family, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, command_id, family, device_id, kind, payload, coalesced, error
		FROM command_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM command_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, errStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &entry.CommandID, &entry.Family,
			&entry.DeviceID, &entry.Kind, &payloadStr, &entry.Coalesced, &errStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if errStr.Valid {
			entry.Error = errStr.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			var payload any
			if err := json.Unmarshal([]byte(payloadStr.String), &payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
			entry.Payload = payload
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

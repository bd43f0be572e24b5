package scheduler

import (
	"database/sql"
	"sync"
	"time"
)

// Store persists schedules in the scheduled_commands table.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a new schedule store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save inserts sched or replaces the schedule with the same id. The
// creation time of a replaced schedule is kept.
func (s *Store) Save(sched Schedule) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO scheduled_commands (id, family, device_id, action, at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			family = excluded.family,
			device_id = excluded.device_id,
			action = excluded.action,
			at = excluded.at,
			updated_at = excluded.updated_at
	`, sched.ID, sched.Family, sched.DeviceID, string(sched.Action), sched.At, now, now)
	if err != nil {
		return Schedule{}, err
	}

	row := s.db.QueryRow(`
		SELECT id, family, device_id, action, at, created_at, updated_at
		FROM scheduled_commands WHERE id = ?
	`, sched.ID)
	return scanSchedule(row)
}

// List returns every stored schedule ordered by id.
func (s *Store) List() ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, family, device_id, action, at, created_at, updated_at
		FROM scheduled_commands ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Delete removes a schedule. Returns false if it did not exist.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM scheduled_commands WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (Schedule, error) {
	var (
		sched              Schedule
		action             string
		created, updatedAt int64
	)
	if err := row.Scan(&sched.ID, &sched.Family, &sched.DeviceID, &action, &sched.At, &created, &updatedAt); err != nil {
		return Schedule{}, err
	}
	sched.Action = Action(action)
	sched.CreatedAt = time.Unix(created, 0).UTC()
	sched.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sched, nil
}

// Package scheduler turns devices on or off at a fixed time of day.
// Schedules persist in SQLite and are reloaded at startup.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalid       = errors.New("invalid schedule")
	ErrUnknownFamily = errors.New("unknown family")
	ErrNotFound      = errors.New("schedule not found")
)

// Action is what a schedule does to its device.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Schedule fires Action on one device every day at At (HH:MM).
type Schedule struct {
	ID       string `json:"id"`
	Family   string `json:"family"`
	DeviceID string `json:"device_id"`
	Action   Action `json:"action"`
	At       string `json:"at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Filled in by Scheduler.List, never stored
	NextRun *time.Time `json:"next_run,omitempty"`
}

// Validate checks the fields a caller supplies and normalizes At.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Family == "" || s.DeviceID == "" {
		return fmt.Errorf("%w: family and device_id are required", ErrInvalid)
	}
	if s.Action != ActionOn && s.Action != ActionOff {
		return fmt.Errorf("%w: action %q must be on or off", ErrInvalid, s.Action)
	}
	tod, err := ParseTimeOfDay(s.At)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.At = tod.String()
	return nil
}

// TimeOfDay is a wall clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var timeOfDayPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	matches := timeOfDayPattern.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, _ := strconv.Atoi(matches[1])
	minute, _ := strconv.Atoi(matches[2])

	if hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour: %d", hour)
	}
	if minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute: %d", minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Next returns the first occurrence strictly after after, on the wall clock
// of loc. A time skipped by a DST jump lands on the normalized instant.
func (t TimeOfDay) Next(after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
	if !next.After(after) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour, t.Minute, 0, 0, loc)
	}
	return next
}

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Commander switches devices of one family. *manager.Manager satisfies it.
type Commander interface {
	TurnOn(id string) (string, error)
	TurnOff(id string) (string, error)
}

// Resolver returns the commander of a family.
type Resolver func(family string) (Commander, bool)

type entry struct {
	sched Schedule
	at    TimeOfDay
}

// Scheduler keeps the schedules in memory, mirrors every change to the
// store and fires due schedules from Run.
type Scheduler struct {
	mu      sync.RWMutex
	entries map[string]entry

	store   *Store
	resolve Resolver
	tz      *time.Location
	now     func() time.Time

	reschedule chan struct{}
}

// New creates a scheduler evaluating times in timezone.
func New(store *Store, resolve Resolver, timezone string) *Scheduler {
	tz, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", timezone).Msg("Failed to load timezone, using UTC")
		tz = time.UTC
	}

	return &Scheduler{
		entries:    make(map[string]entry),
		store:      store,
		resolve:    resolve,
		tz:         tz,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
}

// Load registers every stored schedule. Rows that no longer validate are
// skipped with a warning.
func (s *Scheduler) Load() (int, error) {
	stored, err := s.store.List()
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}

	loaded := 0
	for _, sched := range stored {
		at, err := ParseTimeOfDay(sched.At)
		if err != nil {
			log.Warn().Err(err).Str("schedule", sched.ID).Msg("Skipping stored schedule")
			continue
		}
		if _, ok := s.resolve(sched.Family); !ok {
			log.Warn().Str("schedule", sched.ID).Str("family", sched.Family).Msg("Stored schedule targets an unknown family")
		}
		s.register(entry{sched: sched, at: at})
		loaded++
	}

	log.Info().Int("schedules", loaded).Msg("Loaded scheduled commands")
	return loaded, nil
}

// Put validates sched, persists it and starts firing it. A schedule with
// the same id is replaced.
func (s *Scheduler) Put(sched Schedule) (Schedule, error) {
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	if _, ok := s.resolve(sched.Family); !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrUnknownFamily, sched.Family)
	}
	at, _ := ParseTimeOfDay(sched.At)

	saved, err := s.store.Save(sched)
	if err != nil {
		return Schedule{}, fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}

	s.mu.RLock()
	_, replaced := s.entries[saved.ID]
	s.mu.RUnlock()
	if replaced {
		log.Info().Str("schedule", saved.ID).Msg("Schedule already exists, overwriting")
	}

	s.register(entry{sched: saved, at: at})
	log.Info().
		Str("schedule", saved.ID).
		Str("family", saved.Family).
		Str("device", saved.DeviceID).
		Str("action", string(saved.Action)).
		Str("at", saved.At).
		Msg("Scheduled daily command")

	return s.withNextRun(saved, at), nil
}

// Cancel stops a schedule and removes it from the store.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	deleted, err := s.store.Delete(id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if !ok && !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.notifyReschedule()
	log.Info().Str("schedule", id).Msg("Cancelled scheduled command")
	return nil
}

// List returns the registered schedules ordered by id, each with its next
// run time.
func (s *Scheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.withNextRun(e.sched, e.at))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Timezone returns the location schedules are evaluated in.
func (s *Scheduler) Timezone() *time.Location {
	return s.tz
}

func (s *Scheduler) withNextRun(sched Schedule, at TimeOfDay) Schedule {
	next := at.Next(s.now(), s.tz)
	sched.NextRun = &next
	return sched
}

func (s *Scheduler) register(e entry) {
	s.mu.Lock()
	s.entries[e.sched.ID] = e
	s.mu.Unlock()
	s.notifyReschedule()
}

func (s *Scheduler) notifyReschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// Run fires schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("timezone", s.tz.String()).Msg("Scheduler started")

	from := s.now()
	for {
		sleep := time.Hour
		if next, ok := s.earliest(from); ok {
			sleep = max(next.Sub(s.now()), 0)
		}

		log.Debug().Dur("sleep_duration", sleep).Msg("Scheduler sleeping")
		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopping")
			return nil

		case <-s.reschedule:
			timer.Stop()
			from = s.now()

		case <-timer.C:
			now := s.now()
			s.fireDue(from, now)
			from = now
		}
	}
}

// earliest returns the first occurrence after from across all schedules.
func (s *Scheduler) earliest(from time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, e := range s.entries {
		next := e.at.Next(from, s.tz)
		if !found || next.Before(earliest) {
			earliest, found = next, true
		}
	}
	return earliest, found
}

// fireDue runs every schedule with an occurrence in (from, now].
func (s *Scheduler) fireDue(from, now time.Time) {
	s.mu.RLock()
	var due []Schedule
	for _, e := range s.entries {
		if !e.at.Next(from, s.tz).After(now) {
			due = append(due, e.sched)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, sched := range due {
		s.fire(sched)
	}
}

func (s *Scheduler) fire(sched Schedule) {
	logger := log.With().
		Str("schedule", sched.ID).
		Str("family", sched.Family).
		Str("device", sched.DeviceID).
		Str("action", string(sched.Action)).
		Logger()

	cmd, ok := s.resolve(sched.Family)
	if !ok {
		logger.Warn().Msg("Scheduled command targets an unknown family")
		return
	}

	var (
		cmdID string
		err   error
	)
	switch sched.Action {
	case ActionOn:
		cmdID, err = cmd.TurnOn(sched.DeviceID)
	case ActionOff:
		cmdID, err = cmd.TurnOff(sched.DeviceID)
	default:
		logger.Warn().Msg("Unknown scheduled action")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Scheduled command failed")
		return
	}
	logger.Info().Str("command", cmdID).Msg("Scheduled command issued")
}

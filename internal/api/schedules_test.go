package api

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/devsync/internal/scheduler"
)

type fakeSchedules struct {
	mu   sync.Mutex
	byID map[string]scheduler.Schedule
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{byID: make(map[string]scheduler.Schedule)}
}

func (f *fakeSchedules) List() []scheduler.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.Schedule
	for _, s := range f.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeSchedules) Put(sched scheduler.Schedule) (scheduler.Schedule, error) {
	if err := sched.Validate(); err != nil {
		return scheduler.Schedule{}, err
	}
	if sched.Family != "plugs" {
		return scheduler.Schedule{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownFamily, sched.Family)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[sched.ID] = sched
	return sched, nil
}

func (f *fakeSchedules) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, id)
	}
	delete(f.byID, id)
	return nil
}

func TestSchedules(t *testing.T) {
	schedules := newFakeSchedules()
	env := newTestEnv(t, Deps{Schedules: schedules})

	rec := env.do(http.MethodPut, "/api/schedules/heater-morning",
		`{"family":"plugs","device_id":"p1","action":"on","at":"6:30"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[scheduler.Schedule](t, rec)
	assert.Equal(t, "heater-morning", saved.ID)
	assert.Equal(t, "06:30", saved.At)

	rec = env.do(http.MethodGet, "/api/schedules/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]scheduler.Schedule](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, scheduler.ActionOn, list[0].Action)

	rec = env.do(http.MethodDelete, "/api/schedules/heater-morning", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodDelete, "/api/schedules/heater-morning", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleErrors(t *testing.T) {
	env := newTestEnv(t, Deps{Schedules: newFakeSchedules()})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad time", `{"family":"plugs","device_id":"p1","action":"on","at":"25:00"}`, http.StatusBadRequest},
		{"bad action", `{"family":"plugs","device_id":"p1","action":"blink","at":"07:00"}`, http.StatusBadRequest},
		{"unknown field", `{"family":"plugs","device_id":"p1","action":"on","at":"07:00","repeat":true}`, http.StatusBadRequest},
		{"unknown family", `{"family":"garage","device_id":"g","action":"on","at":"07:00"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPut, "/api/schedules/x", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSchedulesDisabled(t *testing.T) {
	env := newTestEnv(t, Deps{})

	rec := env.do(http.MethodGet, "/api/schedules/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodPut, "/api/schedules/x", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

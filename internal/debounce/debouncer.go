// Package debounce coalesces rapid device commands into single backend calls.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("debounce: closed")

// Kind separates debounce windows: a power toggle never cancels a pending
// color change for the same device, and vice versa.
type Kind string

const (
	KindPower Kind = "power"
	KindColor Kind = "color"
)

// Delays holds the quiet period per command kind.
type Delays map[Kind]time.Duration

// DefaultDelays: short for slider drags, longer for authoritative on/off.
func DefaultDelays() Delays {
	return Delays{
		KindColor: 250 * time.Millisecond,
		KindPower: 750 * time.Millisecond,
	}
}

// Command is the coalesced request handed to the dispatch func.
type Command struct {
	ID        string
	DeviceID  string
	Kind      Kind
	Payload   any
	Coalesced int // schedule calls folded into this one, including itself
	FirstAt   time.Time
}

// DispatchFunc performs the backend write for a command.
type DispatchFunc func(ctx context.Context, cmd Command) error

// ResultFunc observes every dispatch outcome. err is nil on success.
type ResultFunc func(cmd Command, err error)

type key struct {
	deviceID string
	kind     Kind
}

type pending struct {
	timer *time.Timer
	cmd   Command
	seq   uint64
}

// Config contains debouncer settings.
type Config struct {
	Name    string        // used in logs
	Timeout time.Duration // per-dispatch timeout (default 10s)
	Limiter *rate.Limiter // waited on before each dispatch; nil = unlimited
}

// Debouncer buffers commands per (device, kind) and dispatches only the latest
// payload once the quiet period has elapsed.
//
// There is at most one timer per key. A failed dispatch is reported through
// ResultFunc and dropped; nothing is retried.
type Debouncer struct {
	name     string
	dispatch DispatchFunc
	onResult ResultFunc
	timeout  time.Duration
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[key]*pending
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a debouncer. onResult may be nil.
func New(cfg Config, dispatch DispatchFunc, onResult ResultFunc) *Debouncer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		name:     cfg.Name,
		dispatch: dispatch,
		onResult: onResult,
		timeout:  cfg.Timeout,
		limiter:  cfg.Limiter,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[key]*pending),
	}
}

// Schedule queues payload for (deviceID, kind). A pending command for the same
// key is cancelled and replaced (last write wins) and the delay restarts.
// Returns the id the eventual dispatch will carry.
func (d *Debouncer) Schedule(deviceID string, kind Kind, payload any, delay time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}

	k := key{deviceID: deviceID, kind: kind}
	cmd := Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   payload,
		Coalesced: 1,
		FirstAt:   time.Now(),
	}

	if prev, ok := d.pending[k]; ok {
		if prev.timer.Stop() {
			d.wg.Done()
		}
		cmd.ID = prev.cmd.ID
		cmd.Coalesced = prev.cmd.Coalesced + 1
		cmd.FirstAt = prev.cmd.FirstAt
	}

	d.seq++
	seq := d.seq
	d.wg.Add(1)
	d.pending[k] = &pending{
		cmd: cmd,
		seq: seq,
		timer: time.AfterFunc(delay, func() {
			defer d.wg.Done()
			d.fire(k, seq)
		}),
	}

	log.Debug().
		Str("debouncer", d.name).
		Str("device", deviceID).
		Str("kind", string(kind)).
		Int("coalesced", cmd.Coalesced).
		Dur("delay", delay).
		Msg("Command scheduled")

	return cmd.ID, nil
}

// fire dispatches the pending command for k unless a newer Schedule replaced it.
func (d *Debouncer) fire(k key, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[k]
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, k)
	d.mu.Unlock()

	d.run(p.cmd)
}

func (d *Debouncer) run(cmd Command) {
	err := d.safeDispatch(cmd)
	if d.onResult != nil {
		d.onResult(cmd, err)
	}
}

func (d *Debouncer) safeDispatch(cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()

	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	return d.dispatch(ctx, cmd)
}

// Pending returns the payload waiting for (deviceID, kind), if any.
func (d *Debouncer) Pending(deviceID string, kind Kind) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key{deviceID: deviceID, kind: kind}]
	if !ok {
		return nil, false
	}
	return p.cmd.Payload, true
}

// Len returns the number of pending commands.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush dispatches every pending command now, on the caller's goroutine.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	var due []Command
	for k, p := range d.pending {
		if p.timer.Stop() {
			d.wg.Done()
		}
		due = append(due, p.cmd)
		delete(d.pending, k)
	}
	d.mu.Unlock()

	for _, cmd := range due {
		d.run(cmd)
	}
}

// Close flushes pending commands, rejects new ones and waits for in-flight
// dispatches until ctx expires.
func (d *Debouncer) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.Flush()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Str("debouncer", d.name).Msg("Debouncer stopped gracefully")
	case <-ctx.Done():
		log.Warn().Str("debouncer", d.name).Msg("Debouncer shutdown timed out, in-flight commands abandoned")
	}
	d.cancel()
}

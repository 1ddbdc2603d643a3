// Package timer is the lockstep clock. It advances the simulation one tick at
// a time, and only when every registered gate lets the tick through.
package timer

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"ticksync.io/internal/protocol"
)

// Verdict is a gate's answer for one tick.
type Verdict int

const (
	Pass Verdict = iota
	Skip
)

func (v Verdict) String() string {
	if v == Skip {
		return "SKIP"
	}
	return "PASS"
}

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Freeze protection: when the timer lags more than AcceptableTickDelay behind
// wall clock, the deadline is moved up to DeferTickOnDelayBy behind now
// instead of replaying every missed tick at once.
const (
	AcceptableTickDelay = 500 * time.Millisecond
	DeferTickOnDelayBy  = 400 * time.Millisecond
)

// MaxTicksPerSecond caps the rate; faster requests are clamped to it.
const MaxTicksPerSecond = 1000

// clampRate maps negative and NaN rates to 0 (paused).
func clampRate(tps float64) float64 {
	switch {
	case math.IsNaN(tps) || tps < 0:
		return 0
	case tps > MaxTicksPerSecond:
		return MaxTicksPerSecond
	}
	return tps
}

type Gate func(tick protocol.Tick) Verdict
type Handler func(tick protocol.Tick)

type Config struct {
	FirstTick        protocol.Tick
	TicksPerSecond   float64
	FreezeProtection bool
}

type Option func(*Timer)

func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Timer) { t.log = l }
}

type entry struct {
	gate    Gate
	handler Handler
	removed bool
}

type Timer struct {
	now func() time.Time
	log zerolog.Logger

	tick   protocol.Tick
	tps    float64
	freeze bool

	next    time.Time
	hasNext bool
	// Time left until the next deadline when the timer was paused.
	owed time.Duration

	gates    []*entry
	handlers []*entry
}

func New(cfg Config, opts ...Option) *Timer {
	t := &Timer{
		now:    time.Now,
		log:    zerolog.Nop(),
		tick:   cfg.FirstTick,
		tps:    clampRate(cfg.TicksPerSecond),
		freeze: cfg.FreezeProtection,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Registration removes a callback again. Unregister is idempotent and may be
// called from inside a running callback.
type Registration struct {
	t *Timer
	e *entry
}

func (r Registration) Unregister() {
	if r.t == nil || r.e == nil || r.e.removed {
		return
	}
	r.e.removed = true
	r.t.gates = without(r.t.gates, r.e)
	r.t.handlers = without(r.t.handlers, r.e)
}

func without(list []*entry, e *entry) []*entry {
	out := make([]*entry, 0, len(list))
	for _, x := range list {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// RegisterGate adds a test run before every tick. Gates run in registration
// order; the first Skip stops the tick.
func (t *Timer) RegisterGate(g Gate) Registration {
	e := &entry{gate: g}
	t.gates = append(t.gates, e)
	return Registration{t: t, e: e}
}

// RegisterHandler adds a callback run for every executed tick, in
// registration order.
func (t *Timer) RegisterHandler(h Handler) Registration {
	e := &entry{handler: h}
	t.handlers = append(t.handlers, e)
	return Registration{t: t, e: e}
}

// CurrentTick is the next tick to execute.
func (t *Timer) CurrentTick() protocol.Tick { return t.tick }

func (t *Timer) TicksPerSecond() float64 { return t.tps }

func (t *Timer) State() State {
	if t.tps > 0 {
		return Running
	}
	return Stopped
}

func (t *Timer) interval() time.Duration {
	if d := time.Duration(float64(time.Second) / t.tps); d > 0 {
		return d
	}
	return time.Nanosecond
}

// SetTicksPerSecond changes speed. Zero pauses; the time left until the next
// deadline is kept and paid back on resume, so a pause never produces a burst
// of catch-up ticks.
func (t *Timer) SetTicksPerSecond(tps float64) {
	tps = clampRate(tps)
	old := t.tps
	if old == tps {
		return
	}
	now := t.now()
	switch {
	case tps == 0:
		if t.hasNext {
			t.owed = t.next.Sub(now)
			if t.owed < 0 {
				t.owed = 0
			}
		}
	case old == 0:
		if t.hasNext {
			t.next = now.Add(t.owed)
		}
		t.owed = 0
	default:
		if t.hasNext {
			remaining := t.next.Sub(now)
			t.next = now.Add(time.Duration(float64(remaining) * old / tps))
		}
	}
	t.tps = tps
	t.log.Debug().Float64("from", old).Float64("to", tps).Str("state", t.State().String()).Msg("speed changed")
}

// Pump runs every tick whose deadline has passed and returns how many ran.
// It is meant to be called once per frame.
func (t *Timer) Pump() int {
	ran := 0
	for t.tps > 0 {
		now := t.now()
		if !t.hasNext {
			t.next = now
			t.hasNext = true
		}
		if now.Before(t.next) {
			break
		}
		tick := t.tick
		if !t.runGates(tick) {
			return ran
		}
		if t.tps == 0 {
			// A gate paused the timer.
			return ran
		}
		if t.freeze {
			if lag := t.now().Sub(t.next); lag > AcceptableTickDelay {
				t.next = t.next.Add(lag - DeferTickOnDelayBy)
				t.log.Warn().Uint64("tick", uint64(tick)).Dur("lag", lag).Msg("timer behind wall clock, deferring")
			}
		}
		t.next = t.next.Add(t.interval())
		t.runHandlers(tick)
		t.tick++
		ran++
	}
	return ran
}

func (t *Timer) runGates(tick protocol.Tick) bool {
	for _, e := range append([]*entry(nil), t.gates...) {
		if e.removed {
			continue
		}
		if e.gate(tick) == Skip {
			return false
		}
	}
	return true
}

func (t *Timer) runHandlers(tick protocol.Tick) {
	for _, e := range append([]*entry(nil), t.handlers...) {
		if e.removed {
			continue
		}
		e.handler(tick)
	}
}

// Run pumps the timer once per frame until ctx ends.
func (t *Timer) Run(ctx context.Context, frame time.Duration) error {
	if frame <= 0 {
		frame = 10 * time.Millisecond
	}
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Pump()
		}
	}
}

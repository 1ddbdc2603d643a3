package timer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/protocol"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time         { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTimer(cfg Config) (*Timer, *fakeClock, *[]protocol.Tick) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tm := New(cfg, WithClock(clk.Now))
	var ran []protocol.Tick
	tm.RegisterHandler(func(tick protocol.Tick) { ran = append(ran, tick) })
	return tm, clk, &ran
}

func TestTimer_TicksAtConfiguredRate(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{FirstTick: 0, TicksPerSecond: 10})

	assert.Equal(t, 1, tm.Pump(), "first pump runs the first tick immediately")
	assert.Equal(t, 0, tm.Pump())
	clk.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, tm.Pump())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, tm.Pump())
	clk.Advance(time.Second)
	assert.Equal(t, 10, tm.Pump())

	require.Len(t, *ran, 12)
	for i, tick := range *ran {
		assert.Equal(t, protocol.Tick(i), tick, "ticks advance by exactly one")
	}
	assert.Equal(t, protocol.Tick(12), tm.CurrentTick())
}

func TestTimer_FirstTickID(t *testing.T) {
	tm, _, ran := newTestTimer(Config{FirstTick: 100, TicksPerSecond: 10})
	tm.Pump()
	assert.Equal(t, []protocol.Tick{100}, *ran)
}

func TestTimer_GateSkipHoldsTheTick(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: 10})
	verdict := Skip
	var asked []protocol.Tick
	tm.RegisterGate(func(tick protocol.Tick) Verdict {
		asked = append(asked, tick)
		return verdict
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, tm.Pump())
		clk.Advance(30 * time.Millisecond)
	}
	assert.Empty(t, *ran, "handlers never run on skip")
	assert.Equal(t, protocol.Tick(0), tm.CurrentTick())
	for _, tick := range asked {
		assert.Equal(t, protocol.Tick(0), tick, "the same tick is retried")
	}

	verdict = Pass
	assert.Greater(t, tm.Pump(), 0)
	assert.Equal(t, protocol.Tick(0), (*ran)[0])
}

func TestTimer_AnyGateSkipStops(t *testing.T) {
	tm, _, ran := newTestTimer(Config{TicksPerSecond: 10})
	second := 0
	tm.RegisterGate(func(protocol.Tick) Verdict { return Skip })
	tm.RegisterGate(func(protocol.Tick) Verdict { second++; return Pass })
	tm.Pump()
	assert.Empty(t, *ran)
	assert.Zero(t, second, "gates after a skip are not consulted")
}

func TestTimer_PauseResumeHasNoCatchUpBurst(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: 10})
	require.Equal(t, 1, tm.Pump())

	clk.Advance(40 * time.Millisecond)
	tm.SetTicksPerSecond(0)
	assert.Equal(t, Stopped, tm.State())

	clk.Advance(10 * time.Second)
	assert.Equal(t, 0, tm.Pump(), "nothing fires while paused")

	tm.SetTicksPerSecond(10)
	assert.Equal(t, Running, tm.State())
	assert.Equal(t, 0, tm.Pump(), "resume does not replay the paused interval")

	clk.Advance(59 * time.Millisecond)
	assert.Equal(t, 0, tm.Pump())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, tm.Pump(), "the 60ms owed before the pause is paid back")
	assert.Len(t, *ran, 2)
}

func TestTimer_PausedFromStart(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: 0})
	assert.Equal(t, 0, tm.Pump())
	clk.Advance(time.Hour)
	tm.SetTicksPerSecond(5)
	assert.Equal(t, 1, tm.Pump())
	assert.Len(t, *ran, 1)
}

func TestTimer_HandlerCanPause(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: 10})
	tm.RegisterHandler(func(tick protocol.Tick) {
		if tick == 2 {
			tm.SetTicksPerSecond(0)
		}
	})
	tm.Pump()
	clk.Advance(time.Second)
	tm.Pump()
	assert.Equal(t, []protocol.Tick{0, 1, 2}, *ran)
	assert.Equal(t, protocol.Tick(3), tm.CurrentTick())
}

func TestTimer_FreezeProtectionDefersInsteadOfBursting(t *testing.T) {
	plain, clk, _ := newTestTimer(Config{TicksPerSecond: 10})
	plain.Pump()
	clk.Advance(2 * time.Second)
	assert.Equal(t, 20, plain.Pump(), "without protection every missed tick runs")

	guarded, clk2, _ := newTestTimer(Config{TicksPerSecond: 10, FreezeProtection: true})
	guarded.Pump()
	clk2.Advance(2 * time.Second)
	assert.Equal(t, 5, guarded.Pump(), "deadline moved to 400ms behind now")
}

func TestTimer_RateChangeRescalesDeadline(t *testing.T) {
	tm, clk, _ := newTestTimer(Config{TicksPerSecond: 10})
	tm.Pump()
	tm.SetTicksPerSecond(20)
	assert.Equal(t, 20.0, tm.TicksPerSecond())
	clk.Advance(49 * time.Millisecond)
	assert.Equal(t, 0, tm.Pump())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, tm.Pump())
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, tm.Pump())
}

func TestTimer_UnregisterInsideCallback(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: 10})
	calls := 0
	var reg Registration
	reg = tm.RegisterHandler(func(protocol.Tick) {
		calls++
		reg.Unregister()
		reg.Unregister()
	})
	gateReg := tm.RegisterGate(func(protocol.Tick) Verdict { return Skip })
	gateReg.Unregister()

	tm.Pump()
	clk.Advance(time.Second)
	tm.Pump()
	assert.Equal(t, 1, calls)
	assert.Len(t, *ran, 11)
}

func TestTimer_RunStopsWithContext(t *testing.T) {
	tm := New(Config{TicksPerSecond: 1000})
	ticks := 0
	tm.RegisterHandler(func(protocol.Tick) { ticks++ })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tm.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, ticks, 0)
}

func TestTimer_RateIsClamped(t *testing.T) {
	tm, clk, ran := newTestTimer(Config{TicksPerSecond: math.Inf(1)})
	assert.Equal(t, float64(MaxTicksPerSecond), tm.TicksPerSecond())

	assert.Equal(t, 1, tm.Pump())
	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 10, tm.Pump(), "one tick per millisecond at the cap")
	assert.Len(t, *ran, 11)

	tm.SetTicksPerSecond(1e12)
	assert.Equal(t, float64(MaxTicksPerSecond), tm.TicksPerSecond())
	tm.SetTicksPerSecond(math.NaN())
	assert.Equal(t, Stopped, tm.State())
	clk.Advance(time.Second)
	assert.Equal(t, 0, tm.Pump())
}

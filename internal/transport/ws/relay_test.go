package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/lockstep/session"
	"ticksync.io/internal/lockstep/timer"
	"ticksync.io/internal/protocol"
	"ticksync.io/internal/sim/town"
	"ticksync.io/internal/transport"
)

var testParams = protocol.SessionParams{
	TicksPerSecond:   50,
	ExecutionDelay:   4,
	HashDelay:        4,
	HashEvalDistance: 2,
	Seed:             5,
}

func townCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	reg := protocol.NewCommandRegistry()
	require.NoError(t, town.RegisterCommands(reg))
	c, err := protocol.NewCodec(reg)
	require.NoError(t, err)
	return c
}

func startRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	codec, err := protocol.NewCodec(nil)
	require.NoError(t, err)
	if cfg.Players == 0 {
		cfg.Players = 2
	}
	cfg.Params = testParams
	r, err := NewRelay(cfg, codec, WithMatchIDs(func() string { return "match-1" }))
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAll connects n peers concurrently; Dial only returns once the lobby
// is full.
func dialAll(t *testing.T, url string, n int) []*Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		c   *Client
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			c, err := Dial(ctx, url, "peer", townCodec(t))
			results <- result{c, err}
		}(i)
	}
	out := make([]*Client, 0, n)
	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		t.Cleanup(func() { _ = r.c.Close() })
		out = append(out, r.c)
	}
	// Order by seat.
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].PlayerID() < out[i].PlayerID() {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func receiveN(t *testing.T, c *Client, n int) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	require.Eventually(t, func() bool {
		msgs, _ := c.ReceiveAll()
		got = append(got, msgs...)
		return len(got) >= n
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestRelay_StartsMatchWhenLobbyIsFull(t *testing.T) {
	relay, url := startRelay(t, RelayConfig{Players: 3})
	peers := dialAll(t, url, 3)

	for i, p := range peers {
		assert.Equal(t, protocol.PlayerID(i+1), p.PlayerID())
		assert.Equal(t, "match-1", p.MatchID())
		start := p.Start()
		assert.Equal(t, []protocol.PlayerID{1, 2, 3}, start.PlayerIDs())
		assert.Equal(t, testParams, start.Params)
	}
	assert.Equal(t, uint64(1), relay.Stats().MatchesStarted)
}

func TestRelay_ForwardsToOthersOnly(t *testing.T) {
	_, url := startRelay(t, RelayConfig{})
	peers := dialAll(t, url, 2)
	a, b := peers[0], peers[1]

	require.NoError(t, a.SendToAll(&protocol.CommandPacket{
		TargetTick: 7,
		PlayerID:   a.PlayerID(),
		Commands:   []protocol.Command{&town.BuildRoad{X: 5, Y: 5}},
	}))
	got := receiveN(t, b, 1)
	pkt, ok := got[0].(*protocol.CommandPacket)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, protocol.Tick(7), pkt.TargetTick)
	require.Len(t, pkt.Commands, 1)
	assert.Equal(t, &town.BuildRoad{X: 5, Y: 5}, pkt.Commands[0])

	msgs, err := a.ReceiveAll()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRelay_DropsSpoofedFrames(t *testing.T) {
	relay, url := startRelay(t, RelayConfig{})
	peers := dialAll(t, url, 2)
	a, b := peers[0], peers[1]

	require.NoError(t, a.SendToAll(&protocol.CheckupHashPacket{TargetTick: 4, PlayerID: b.PlayerID(), Hash: "0bad0bad"}))
	require.NoError(t, a.SendToAll(&protocol.CheckupHashPacket{TargetTick: 4, PlayerID: a.PlayerID(), Hash: "c0ffee00"}))

	got := receiveN(t, b, 1)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.HashValue("c0ffee00"), got[0].(*protocol.CheckupHashPacket).Hash)
	assert.Equal(t, uint64(1), relay.Stats().Spoofed)
}

func TestDial_VersionMismatch(t *testing.T) {
	relay, url := startRelay(t, RelayConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, "old", townCodec(t), WithProtocolVersion("0.9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrVersionMismatch), "got %v", err)
	assert.Equal(t, uint64(1), relay.Stats().Rejected)
}

func TestDial_ContextEndsWhileWaitingInLobby(t *testing.T) {
	_, url := startRelay(t, RelayConfig{Players: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, url, "alone", townCodec(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestClient_SendAfterLossKeepsUnreadMessages(t *testing.T) {
	c := &Client{codec: townCodec(t), out: make(chan []byte, 1), done: make(chan struct{})}
	c.inbox.Push(protocol.PlayerLeftMsg{PlayerID: 2, Reason: "quit"})
	c.inbox.Fail(transport.Lost("read", errors.New("eof")))
	c.shutdown()

	err := c.SendToAll(&protocol.CheckupHashPacket{TargetTick: 8, PlayerID: 1, Hash: "00000000"})
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	msgs, err := c.ReceiveAll()
	assert.ErrorIs(t, err, transport.ErrConnectionLost)
	require.Len(t, msgs, 1)
	left, ok := msgs[0].(protocol.PlayerLeftMsg)
	require.True(t, ok, "got %T", msgs[0])
	assert.Equal(t, "quit", left.Reason)
}

func TestRelay_BroadcastsPlayerLeft(t *testing.T) {
	_, url := startRelay(t, RelayConfig{})
	peers := dialAll(t, url, 2)
	a, b := peers[0], peers[1]

	require.NoError(t, a.Close())
	got := receiveN(t, b, 1)
	left, ok := got[0].(protocol.PlayerLeftMsg)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, a.PlayerID(), left.PlayerID)

	_, err := a.ReceiveAll()
	assert.ErrorIs(t, err, transport.ErrConnectionLost)
	assert.ErrorIs(t, a.SendToAll(&protocol.CheckupHashPacket{TargetTick: 1, PlayerID: a.PlayerID(), Hash: "00000000"}), transport.ErrConnectionLost)
}

func TestRelay_RateLimitDisconnectsFlooder(t *testing.T) {
	relay, url := startRelay(t, RelayConfig{FramesPerSecond: 1, FrameBurst: 2})
	peers := dialAll(t, url, 2)
	a, b := peers[0], peers[1]

	for tick := protocol.Tick(0); tick < 6; tick++ {
		_ = a.SendToAll(&protocol.CheckupHashPacket{TargetTick: tick, PlayerID: a.PlayerID(), Hash: "00000000"})
	}

	var left protocol.PlayerLeftMsg
	require.Eventually(t, func() bool {
		msgs, _ := b.ReceiveAll()
		for _, m := range msgs {
			if l, ok := m.(protocol.PlayerLeftMsg); ok {
				left = l
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, a.PlayerID(), left.PlayerID)
	assert.Equal(t, "rate limit", left.Reason)

	require.Eventually(t, func() bool {
		_, err := a.ReceiveAll()
		return errors.Is(err, transport.ErrConnectionLost)
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), relay.Stats().RateLimited)
}

func TestSessionOverRelay(t *testing.T) {
	_, url := startRelay(t, RelayConfig{})
	peers := dialAll(t, url, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const stopAt = protocol.Tick(60)
	type outcome struct {
		hash protocol.HashValue
		err  error
	}
	results := make(chan outcome, len(peers))
	for _, c := range peers {
		go func(c *Client) {
			start := c.Start()
			tw := town.New(start.Params.Seed, start.Players)
			sess, err := session.New(session.ConfigFromParams(start.Params), c, tw, c.PlayerID(), start.PlayerIDs())
			if err != nil {
				results <- outcome{err: err}
				return
			}
			tm := timer.New(timer.Config{FirstTick: start.Params.FirstTick, TicksPerSecond: start.Params.TicksPerSecond})
			sess.Attach(tm)

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			var hash protocol.HashValue
			bot := town.NewBot(start.Params.Seed, c.PlayerID(), start.PlayerIDs(), 3)
			tm.RegisterHandler(func(tick protocol.Tick) {
				tw.Advance(tick)
				shared, _ := bot.Next(tick)
				for _, cmd := range shared {
					sess.Execute(cmd)
				}
				if tick == stopAt {
					hash = tw.CheckupHash()
					stop()
				}
			})
			_ = tm.Run(runCtx, 2*time.Millisecond)
			if hash == "" {
				err = sess.Err()
				if err == nil {
					err = ctx.Err()
				}
			}
			results <- outcome{hash: hash, err: err}
		}(c)
	}

	var hashes []protocol.HashValue
	for range peers {
		o := <-results
		require.NoError(t, o.err)
		hashes = append(hashes, o.hash)
	}
	assert.Equal(t, hashes[0], hashes[1])
}

package protocol_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/protocol"
)

type buildRoad struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (*buildRoad) CommandName() string          { return "build_road" }
func (*buildRoad) Apply(issuer protocol.Player) {}

func newCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	reg := protocol.NewCommandRegistry()
	reg.MustRegister("build_road", func() protocol.Command { return &buildRoad{} })
	c, err := protocol.NewCodec(reg)
	require.NoError(t, err)
	return c
}

func TestCodec_CommandPacketSurvivesTheWire(t *testing.T) {
	c := newCodec(t)
	in := &protocol.CommandPacket{
		TargetTick: 14,
		PlayerID:   2,
		Commands:   []protocol.Command{&buildRoad{X: 5, Y: 5}, &buildRoad{X: 6, Y: 5}},
	}
	b, err := c.Encode(in)
	require.NoError(t, err)

	msg, err := c.Decode(b)
	require.NoError(t, err)
	out, ok := msg.(*protocol.CommandPacket)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, protocol.Tick(14), out.TargetTick)
	assert.Equal(t, protocol.PlayerID(2), out.PlayerID)
	require.Len(t, out.Commands, 2)
	assert.Equal(t, &buildRoad{X: 5, Y: 5}, out.Commands[0])
	assert.Equal(t, &buildRoad{X: 6, Y: 5}, out.Commands[1])
}

func TestCodec_EmptyCommandPacketIsAPing(t *testing.T) {
	c := newCodec(t)
	b, err := c.Encode(&protocol.CommandPacket{TargetTick: 4, PlayerID: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CMD","target_tick":4,"player_id":1,"commands":[]}`, string(b))

	msg, err := c.Decode(b)
	require.NoError(t, err)
	assert.Empty(t, msg.(*protocol.CommandPacket).Commands)
}

func TestCodec_RejectsUnsafeOrUnknownPayloads(t *testing.T) {
	c := newCodec(t)
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown type", `{"type":"EXEC","code":"rm -rf /"}`, protocol.ErrUnknownMessage},
		{"not json", `build_road(5,5)`, protocol.ErrInvalidMessage},
		{"unregistered command", `{"type":"CMD","target_tick":1,"player_id":1,"commands":[{"name":"os_exec","args":{}}]}`, protocol.ErrUnknownCommand},
		{"extra command field", `{"type":"CMD","target_tick":1,"player_id":1,"commands":[{"name":"build_road","args":{"x":1,"y":1,"z":9}}]}`, protocol.ErrInvalidMessage},
		{"extra packet field", `{"type":"CMD","target_tick":1,"player_id":1,"commands":[],"eval":"x"}`, protocol.ErrInvalidMessage},
		{"zero player", `{"type":"CMD","target_tick":1,"player_id":0,"commands":[]}`, protocol.ErrInvalidMessage},
		{"negative tick", `{"type":"HASH","target_tick":-1,"player_id":1,"hash":"deadbeef"}`, protocol.ErrInvalidMessage},
		{"hash not hex", `{"type":"HASH","target_tick":2,"player_id":1,"hash":"<script>"}`, protocol.ErrInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestCodec_NilRegistryStillDecodesControlFrames(t *testing.T) {
	c, err := protocol.NewCodec(nil)
	require.NoError(t, err)

	b, err := c.Encode(protocol.StartMsg{
		MatchID: "m1",
		Players: []protocol.PlayerInfo{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
		Params: protocol.SessionParams{
			TicksPerSecond:   16,
			ExecutionDelay:   4,
			HashDelay:        4,
			HashEvalDistance: 2,
		},
	})
	require.NoError(t, err)
	msg, err := c.Decode(b)
	require.NoError(t, err)
	start := msg.(protocol.StartMsg)
	assert.Equal(t, protocol.Version, start.ProtocolVersion)
	assert.Equal(t, []protocol.PlayerID{1, 2}, start.PlayerIDs())

	_, err = c.Decode([]byte(`{"type":"CMD","target_tick":1,"player_id":1,"commands":[{"name":"build_road","args":{"x":1,"y":1}}]}`))
	assert.True(t, errors.Is(err, protocol.ErrUnknownCommand))
}

func TestCodec_HashPacket(t *testing.T) {
	c := newCodec(t)
	b, err := c.Encode(&protocol.CheckupHashPacket{TargetTick: 40, PlayerID: 3, Hash: "00ff00ff00ff"})
	require.NoError(t, err)
	msg, err := c.Decode(b)
	require.NoError(t, err)
	p := msg.(*protocol.CheckupHashPacket)
	assert.Equal(t, "CheckupHashPacket(player=3 tick=40 hash=00ff00ff00ff)", p.String())
}

func TestCommandRegistry_Register(t *testing.T) {
	reg := protocol.NewCommandRegistry()
	require.NoError(t, reg.Register("build_road", func() protocol.Command { return &buildRoad{} }))
	assert.Error(t, reg.Register("build_road", func() protocol.Command { return &buildRoad{} }), "duplicate")
	assert.Error(t, reg.Register("Build Road", func() protocol.Command { return &buildRoad{} }), "bad name")
	assert.Error(t, reg.Register("demolish", func() protocol.Command { return &buildRoad{} }), "name mismatch")
	assert.Equal(t, []string{"build_road"}, reg.Names())
}

func TestCommandPacket_String(t *testing.T) {
	p := &protocol.CommandPacket{TargetTick: 14, PlayerID: 1, Commands: []protocol.Command{&buildRoad{}}}
	assert.Equal(t, "CommandPacket(player=1 tick=14 commands=1)", p.String())
}

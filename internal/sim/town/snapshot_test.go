package town

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/persistence/snapshot"
)

func TestSnapshot_RoundTripKeepsHash(t *testing.T) {
	tw := New(4, roster)
	(&BuildRoad{X: 2, Y: 3}).Apply(player(t, tw, 1))
	(&BuildRoad{X: 2, Y: 1}).Apply(player(t, tw, 3))
	(&Transfer{To: 2, Resource: "gold", Amount: 5}).Apply(player(t, tw, 1))
	(&PlayCue{Name: "bell"}).Apply(player(t, tw, 2))
	tw.Advance(30)

	path := snapshot.Path(t.TempDir(), 30)
	require.NoError(t, snapshot.WriteSnapshot(path, tw.Export("m")))
	s, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)

	back, err := FromSnapshot(s)
	require.NoError(t, err)
	assert.Equal(t, tw.CheckupHash(), back.CheckupHash())
	assert.Equal(t, tw.Tick(), back.Tick())
	assert.Empty(t, back.Cues())

	// Both copies keep evolving identically.
	(&Demolish{X: 2, Y: 3}).Apply(player(t, tw, 1))
	(&Demolish{X: 2, Y: 3}).Apply(player(t, back, 1))
	tw.Advance(31)
	back.Advance(31)
	assert.Equal(t, tw.CheckupHash(), back.CheckupHash())
}

func TestFromSnapshot_RejectsTamperedState(t *testing.T) {
	s := New(4, roster).Export("m")
	s.Citizens[0].Gold += 1
	_, err := FromSnapshot(s)
	assert.Error(t, err)

	s = New(4, roster).Export("m")
	s.Roads = append(s.Roads, snapshot.RoadV1{X: 1, Y: 1, Owner: 9})
	_, err = FromSnapshot(s)
	assert.Error(t, err)
}

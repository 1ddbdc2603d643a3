package town

import (
	"sort"

	"github.com/rotisserie/eris"

	"ticksync.io/internal/persistence/snapshot"
	"ticksync.io/internal/protocol"
)

// Export captures the shared state. Local cues are not part of it.
func (t *Town) Export(matchID string) snapshot.TownV1 {
	s := snapshot.TownV1{
		Header:   snapshot.Header{Version: snapshot.Version, MatchID: matchID, Tick: t.tick},
		Seed:     t.seed,
		Rejected: t.rejected,
		Hash:     t.CheckupHash(),
	}
	for _, c := range t.citizens {
		s.Citizens = append(s.Citizens, snapshot.CitizenV1{ID: c.ID, Name: c.Name, Gold: c.Gold, Wood: c.Wood})
	}
	sort.Slice(s.Citizens, func(i, j int) bool { return s.Citizens[i].ID < s.Citizens[j].ID })
	for p, owner := range t.roads {
		s.Roads = append(s.Roads, snapshot.RoadV1{X: p.X, Y: p.Y, Owner: owner})
	}
	sort.Slice(s.Roads, func(i, j int) bool {
		if s.Roads[i].X != s.Roads[j].X {
			return s.Roads[i].X < s.Roads[j].X
		}
		return s.Roads[i].Y < s.Roads[j].Y
	})
	return s
}

// FromSnapshot rebuilds a town and checks it against the recorded hash.
func FromSnapshot(s snapshot.TownV1) (*Town, error) {
	t := &Town{
		seed:     s.Seed,
		tick:     s.Header.Tick,
		rejected: s.Rejected,
		citizens: map[protocol.PlayerID]*Citizen{},
		roads:    map[Pos]protocol.PlayerID{},
	}
	for _, c := range s.Citizens {
		if _, dup := t.citizens[c.ID]; dup {
			return nil, eris.Errorf("duplicate citizen %d", c.ID)
		}
		t.citizens[c.ID] = &Citizen{ID: c.ID, Name: c.Name, Gold: c.Gold, Wood: c.Wood, town: t}
	}
	for _, r := range s.Roads {
		if _, ok := t.citizens[r.Owner]; !ok {
			return nil, eris.Errorf("road (%d,%d) owned by unknown citizen %d", r.X, r.Y, r.Owner)
		}
		t.roads[Pos{X: r.X, Y: r.Y}] = r.Owner
	}
	if got := t.CheckupHash(); s.Hash != "" && got != s.Hash {
		return nil, eris.Errorf("snapshot at tick %d hashes to %s, recorded %s", s.Header.Tick, got, s.Hash)
	}
	return t, nil
}

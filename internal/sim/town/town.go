// Package town is a small deterministic simulation driven by lockstep
// commands: citizens build and demolish roads and trade resources.
package town

import (
	"math/rand"
	"sort"

	"ticksync.io/internal/protocol"
	"ticksync.io/internal/sim/digest"
)

// Every IncomeEvery ticks each citizen earns one wood.
const IncomeEvery = 10

const (
	StartWood = 20
	RoadCost  = 1
)

type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Citizen struct {
	ID   protocol.PlayerID
	Name string
	Gold int
	Wood int

	town *Town
}

func (c *Citizen) PlayerID() protocol.PlayerID { return c.ID }

type Town struct {
	seed     int64
	tick     protocol.Tick
	citizens map[protocol.PlayerID]*Citizen
	roads    map[Pos]protocol.PlayerID
	rejected int

	// Local-only effects. Not part of the hashed state.
	cues []string
}

// New seeds every citizen from seed in player id order, so all peers start
// from the same state.
func New(seed int64, players []protocol.PlayerInfo) *Town {
	t := &Town{
		seed:     seed,
		citizens: map[protocol.PlayerID]*Citizen{},
		roads:    map[Pos]protocol.PlayerID{},
	}
	sorted := append([]protocol.PlayerInfo(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	r := rand.New(rand.NewSource(seed))
	for _, p := range sorted {
		t.citizens[p.ID] = &Citizen{
			ID:   p.ID,
			Name: p.Name,
			Gold: 10 + r.Intn(10),
			Wood: StartWood,
			town: t,
		}
	}
	return t
}

func (t *Town) ResolvePlayer(id protocol.PlayerID) (protocol.Player, bool) {
	c, ok := t.citizens[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (t *Town) Citizen(id protocol.PlayerID) (Citizen, bool) {
	c, ok := t.citizens[id]
	if !ok {
		return Citizen{}, false
	}
	return *c, true
}

// Advance is the per-tick rule, run after the tick's commands.
func (t *Town) Advance(tick protocol.Tick) {
	t.tick = tick
	if tick > 0 && tick%IncomeEvery == 0 {
		for _, c := range t.citizens {
			c.Wood++
		}
	}
}

func (t *Town) Tick() protocol.Tick { return t.tick }

func (t *Town) RoadOwner(p Pos) (protocol.PlayerID, bool) {
	id, ok := t.roads[p]
	return id, ok
}

func (t *Town) Roads() int { return len(t.roads) }

// Rejected counts commands that were applied but had no effect.
func (t *Town) Rejected() int { return t.rejected }

func (t *Town) Cues() []string { return append([]string(nil), t.cues...) }

// CheckupHash fingerprints the shared state.
func (t *Town) CheckupHash() protocol.HashValue {
	d := digest.New()
	d.I64(t.seed)
	d.U64(uint64(t.tick))
	d.U64(uint64(t.rejected))

	ids := make([]protocol.PlayerID, 0, len(t.citizens))
	for id := range t.citizens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	d.U64(uint64(len(ids)))
	for _, id := range ids {
		c := t.citizens[id]
		d.U64(uint64(id))
		d.SortedNonZeroIntMap(map[string]int{"gold": c.Gold, "wood": c.Wood})
	}

	roads := make([]Pos, 0, len(t.roads))
	for p := range t.roads {
		roads = append(roads, p)
	}
	sort.Slice(roads, func(i, j int) bool {
		if roads[i].X != roads[j].X {
			return roads[i].X < roads[j].X
		}
		return roads[i].Y < roads[j].Y
	})
	d.U64(uint64(len(roads)))
	for _, p := range roads {
		d.I64(int64(p.X))
		d.I64(int64(p.Y))
		d.U64(uint64(t.roads[p]))
	}
	return d.Sum()
}

// Tamper changes shared state outside of any command. Only for exercising
// desync detection.
func (t *Town) Tamper(id protocol.PlayerID) {
	if c, ok := t.citizens[id]; ok {
		c.Gold += 1000
	}
}

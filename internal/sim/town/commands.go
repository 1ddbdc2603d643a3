package town

import (
	"fmt"

	"ticksync.io/internal/protocol"
)

const (
	CmdBuildRoad = "build_road"
	CmdDemolish  = "demolish"
	CmdTransfer  = "transfer"
	CmdPlayCue   = "play_cue"
)

// RegisterCommands makes the town's commands decodable.
func RegisterCommands(reg *protocol.CommandRegistry) error {
	for name, build := range map[string]func() protocol.Command{
		CmdBuildRoad: func() protocol.Command { return &BuildRoad{} },
		CmdDemolish:  func() protocol.Command { return &Demolish{} },
		CmdTransfer:  func() protocol.Command { return &Transfer{} },
		CmdPlayCue:   func() protocol.Command { return &PlayCue{} },
	} {
		if err := reg.Register(name, build); err != nil {
			return err
		}
	}
	return nil
}

func issuerOf(p protocol.Player) (*Citizen, bool) {
	c, ok := p.(*Citizen)
	return c, ok && c.town != nil
}

type BuildRoad struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (*BuildRoad) CommandName() string { return CmdBuildRoad }

func (b *BuildRoad) Apply(issuer protocol.Player) {
	c, ok := issuerOf(issuer)
	if !ok {
		return
	}
	t := c.town
	p := Pos{b.X, b.Y}
	if _, taken := t.roads[p]; taken || c.Wood < RoadCost {
		t.rejected++
		return
	}
	c.Wood -= RoadCost
	t.roads[p] = c.ID
}

// Demolish removes the issuer's own road and refunds its cost.
type Demolish struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (*Demolish) CommandName() string { return CmdDemolish }

func (d *Demolish) Apply(issuer protocol.Player) {
	c, ok := issuerOf(issuer)
	if !ok {
		return
	}
	t := c.town
	p := Pos{d.X, d.Y}
	if owner, ok := t.roads[p]; !ok || owner != c.ID {
		t.rejected++
		return
	}
	delete(t.roads, p)
	c.Wood += RoadCost
}

type Transfer struct {
	To       protocol.PlayerID `json:"to"`
	Resource string            `json:"resource"`
	Amount   int               `json:"amount"`
}

func (*Transfer) CommandName() string { return CmdTransfer }

func (x *Transfer) Apply(issuer protocol.Player) {
	c, ok := issuerOf(issuer)
	if !ok {
		return
	}
	t := c.town
	to, ok := t.citizens[x.To]
	if !ok || to == c || x.Amount <= 0 {
		t.rejected++
		return
	}
	var from, dst *int
	switch x.Resource {
	case "gold":
		from, dst = &c.Gold, &to.Gold
	case "wood":
		from, dst = &c.Wood, &to.Wood
	default:
		t.rejected++
		return
	}
	if *from < x.Amount {
		t.rejected++
		return
	}
	*from -= x.Amount
	*dst += x.Amount
}

// PlayCue is a local-only effect; it never changes shared state.
type PlayCue struct {
	Name string `json:"name"`
}

func (*PlayCue) CommandName() string { return CmdPlayCue }

func (p *PlayCue) Apply(issuer protocol.Player) {
	c, ok := issuerOf(issuer)
	if !ok {
		return
	}
	c.town.cues = append(c.town.cues, fmt.Sprintf("%s:%d", p.Name, c.ID))
}

package town

import (
	"math/rand"

	"ticksync.io/internal/protocol"
)

// Bot plays one citizen with seeded pseudo-random input. It stands in for a
// human at the keyboard, so its output does not need to match across peers.
type Bot struct {
	r      *rand.Rand
	id     protocol.PlayerID
	others []protocol.PlayerID
	every  protocol.Tick
	built  []Pos
}

func NewBot(seed int64, id protocol.PlayerID, roster []protocol.PlayerID, every int) *Bot {
	if every < 1 {
		every = 1
	}
	b := &Bot{r: rand.New(rand.NewSource(seed ^ int64(id)<<32)), id: id, every: protocol.Tick(every)}
	for _, other := range roster {
		if other != id {
			b.others = append(b.others, other)
		}
	}
	return b
}

// Next returns the networked and local-only commands to submit at tick.
func (b *Bot) Next(tick protocol.Tick) (shared, local []protocol.Command) {
	if tick%b.every != 0 {
		return nil, nil
	}
	switch roll := b.r.Intn(10); {
	case roll < 6:
		p := Pos{b.r.Intn(16), b.r.Intn(16)}
		b.built = append(b.built, p)
		shared = append(shared, &BuildRoad{X: p.X, Y: p.Y})
		local = append(local, &PlayCue{Name: "hammer"})
	case roll < 8 && len(b.built) > 0:
		i := b.r.Intn(len(b.built))
		p := b.built[i]
		b.built = append(b.built[:i], b.built[i+1:]...)
		shared = append(shared, &Demolish{X: p.X, Y: p.Y})
	case len(b.others) > 0:
		to := b.others[b.r.Intn(len(b.others))]
		res := "gold"
		if b.r.Intn(2) == 0 {
			res = "wood"
		}
		shared = append(shared, &Transfer{To: to, Resource: res, Amount: 1 + b.r.Intn(3)})
	}
	return shared, local
}

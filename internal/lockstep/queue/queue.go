// Package queue buffers received packets by target tick and issuing player,
// and answers whether a tick has data from every active player.
//
// Managers are not safe for concurrent use. They are owned by the goroutine
// that pumps the session; transports hand messages over through their own
// synchronized inboxes.
package queue

import (
	"sort"

	"github.com/rotisserie/eris"

	"ticksync.io/internal/protocol"
)

var (
	// ErrDuplicatePacket is returned when a (tick, player) slot is already
	// filled. The first packet wins; the new one is dropped.
	ErrDuplicatePacket = eris.New("duplicate packet for tick and player")
	// ErrStalePacket is returned for packets targeting a tick that was
	// already consumed.
	ErrStalePacket   = eris.New("packet targets an already consumed tick")
	ErrUnknownPlayer = eris.New("packet from a player outside the roster")
)

// Packet is anything stamped with a target tick and an issuing player.
type Packet interface {
	Tick() protocol.Tick
	Sender() protocol.PlayerID
}

// Manager stores at most one packet per (tick, player).
type Manager[P Packet] struct {
	players map[protocol.PlayerID]struct{}
	byTick  map[protocol.Tick]map[protocol.PlayerID]P

	// Ticks below consumedBelow have been handed out with consume=true.
	consumedBelow protocol.Tick
	anyConsumed   bool
}

func NewManager[P Packet](players []protocol.PlayerID) *Manager[P] {
	m := &Manager[P]{byTick: map[protocol.Tick]map[protocol.PlayerID]P{}}
	m.SetPlayers(players)
	return m
}

// SetPlayers replaces the active roster. Buffered packets are kept.
func (m *Manager[P]) SetPlayers(players []protocol.PlayerID) {
	m.players = make(map[protocol.PlayerID]struct{}, len(players))
	for _, id := range players {
		m.players[id] = struct{}{}
	}
}

func (m *Manager[P]) Players() []protocol.PlayerID {
	out := make([]protocol.PlayerID, 0, len(m.players))
	for id := range m.players {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager[P]) AddPacket(p P) error {
	tick, from := p.Tick(), p.Sender()
	if _, ok := m.players[from]; !ok {
		return eris.Wrapf(ErrUnknownPlayer, "player %d tick %d", from, tick)
	}
	if m.anyConsumed && tick < m.consumedBelow {
		return eris.Wrapf(ErrStalePacket, "player %d tick %d (consumed below %d)", from, tick, m.consumedBelow)
	}
	slot := m.byTick[tick]
	if slot == nil {
		slot = map[protocol.PlayerID]P{}
		m.byTick[tick] = slot
	}
	if _, dup := slot[from]; dup {
		return eris.Wrapf(ErrDuplicatePacket, "player %d tick %d", from, tick)
	}
	slot[from] = p
	return nil
}

// IsTickReady reports whether every active player has a packet for tick.
func (m *Manager[P]) IsTickReady(tick protocol.Tick) bool {
	if len(m.players) == 0 {
		return false
	}
	slot := m.byTick[tick]
	if len(slot) < len(m.players) {
		return false
	}
	for id := range m.players {
		if _, ok := slot[id]; !ok {
			return false
		}
	}
	return true
}

// Missing lists the active players with no packet for tick.
func (m *Manager[P]) Missing(tick protocol.Tick) []protocol.PlayerID {
	slot := m.byTick[tick]
	var out []protocol.PlayerID
	for id := range m.players {
		if _, ok := slot[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PacketsForTick returns the packets for tick ordered by player id. With
// consume set they are removed and later packets for tick are rejected as
// stale.
func (m *Manager[P]) PacketsForTick(tick protocol.Tick, consume bool) []P {
	slot := m.byTick[tick]
	out := make([]P, 0, len(slot))
	for _, p := range slot {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender() < out[j].Sender() })
	if consume {
		delete(m.byTick, tick)
		if !m.anyConsumed || tick+1 > m.consumedBelow {
			m.consumedBelow = tick + 1
		}
		m.anyConsumed = true
	}
	return out
}

// PacketsFromPlayer returns a player's buffered packets in tick order.
func (m *Manager[P]) PacketsFromPlayer(id protocol.PlayerID) []P {
	var out []P
	for _, slot := range m.byTick {
		if p, ok := slot[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick() < out[j].Tick() })
	return out
}

// Len is the number of buffered packets.
func (m *Manager[P]) Len() int {
	n := 0
	for _, slot := range m.byTick {
		n += len(slot)
	}
	return n
}

package queue

import (
	"ticksync.io/internal/protocol"
)

// HashManager buffers checkup hashes. Only every evalDistance-th tick carries
// hashes; every other tick is trivially ready.
type HashManager struct {
	*Manager[*protocol.CheckupHashPacket]
	evalDistance uint64
}

func NewHashManager(players []protocol.PlayerID, evalDistance uint64) *HashManager {
	if evalDistance == 0 {
		evalDistance = 1
	}
	return &HashManager{
		Manager:      NewManager[*protocol.CheckupHashPacket](players),
		evalDistance: evalDistance,
	}
}

func (h *HashManager) IsHashTick(tick protocol.Tick) bool {
	return uint64(tick)%h.evalDistance == 0
}

func (h *HashManager) IsTickReady(tick protocol.Tick) bool {
	if !h.IsHashTick(tick) {
		return true
	}
	return h.Manager.IsTickReady(tick)
}

// AreCheckupHashValuesEqual consumes the hashes for tick and reports whether
// all players agree. The returned map holds every reported hash.
func (h *HashManager) AreCheckupHashValuesEqual(tick protocol.Tick) (bool, map[protocol.PlayerID]protocol.HashValue) {
	packets := h.PacketsForTick(tick, true)
	hashes := make(map[protocol.PlayerID]protocol.HashValue, len(packets))
	equal := true
	for i, p := range packets {
		hashes[p.PlayerID] = p.Hash
		if i > 0 && p.Hash != packets[0].Hash {
			equal = false
		}
	}
	return equal, hashes
}

package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"ticksync.io/internal/protocol"
	"ticksync.io/internal/transport"
)

var (
	// ErrDesync is simulation-fatal: peers computed different state.
	ErrDesync = eris.New("games ran out of sync")

	// Session-fatal conditions.
	ErrPeerLeft       = eris.New("peer left the session")
	ErrPeerStalled    = eris.New("peer stopped sending packets")
	ErrConnectionLost = transport.ErrConnectionLost
)

// DesyncError lists every hash reported for the first tick on which peers
// disagreed.
type DesyncError struct {
	Tick   protocol.Tick
	Hashes map[protocol.PlayerID]protocol.HashValue
}

func (e *DesyncError) Error() string {
	ids := make([]protocol.PlayerID, 0, len(e.Hashes))
	for id := range e.Hashes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%s", id, e.Hashes[id]))
	}
	return fmt.Sprintf("games ran out of sync at tick %d (%s)", e.Tick, strings.Join(parts, " "))
}

func (e *DesyncError) Is(target error) bool { return target == ErrDesync }

// IsSimulationFatal reports whether err means the simulation state can no
// longer be trusted. Every other fatal error only ends the session.
func IsSimulationFatal(err error) bool {
	return errors.Is(err, ErrDesync)
}

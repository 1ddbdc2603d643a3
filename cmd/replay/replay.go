package main

import (
	"errors"

	"github.com/rotisserie/eris"

	persistlog "ticksync.io/internal/persistence/log"
	"ticksync.io/internal/persistence/snapshot"
	"ticksync.io/internal/protocol"
	"ticksync.io/internal/sim/town"
)

type report struct {
	Header   persistlog.Header
	From     protocol.Tick
	Ticks    uint64
	Commands uint64
	Checked  uint64
	Desyncs  []persistlog.TickEntry
}

// replay rebuilds the town from the log header, or from a snapshot when
// snapPath is set, and re-executes every logged tick, comparing each recorded
// checkup hash with the rebuilt state before the tick runs.
func replay(dir, snapPath string, fromTick, toTick uint64) (report, error) {
	var rep report
	h, err := persistlog.ReadHeader(dir)
	if err != nil {
		return rep, err
	}
	rep.Header = h

	reg := protocol.NewCommandRegistry()
	if err := town.RegisterCommands(reg); err != nil {
		return rep, err
	}
	codec, err := protocol.NewCodec(reg)
	if err != nil {
		return rep, err
	}

	tw := town.New(h.Params.Seed, h.Players)
	next := h.Params.FirstTick
	if snapPath != "" {
		snap, err := snapshot.ReadSnapshot(snapPath)
		if err != nil {
			return rep, err
		}
		if snap.Header.MatchID != h.MatchID {
			return rep, eris.Errorf("snapshot is from match %q, log from %q", snap.Header.MatchID, h.MatchID)
		}
		if tw, err = town.FromSnapshot(snap); err != nil {
			return rep, err
		}
		next = snap.Header.Tick + 1
		rep.From = next
	}
	verifyFrom := protocol.Tick(fromTick)

	errDone := eris.New("done")
	err = persistlog.ReadTicks(dir, func(e persistlog.TickEntry) error {
		if e.Desync != nil {
			rep.Desyncs = append(rep.Desyncs, e)
			return nil
		}
		if toTick != 0 && e.Tick > protocol.Tick(toTick) {
			return errDone
		}
		if e.Tick < next && rep.Ticks == 0 && snapPath != "" {
			return nil
		}
		if e.Tick != next {
			return eris.Errorf("tick gap: want=%d got=%d", next, e.Tick)
		}

		if e.Hash != "" && e.Tick >= verifyFrom {
			rep.Checked++
			if got := tw.CheckupHash(); got != e.Hash {
				return eris.Errorf("hash mismatch before tick %d: got=%s want=%s", e.Tick, got, e.Hash)
			}
		}

		for i, c := range e.Commands {
			cmd, err := codec.DecodeCommand(c.Name, c.Args)
			if err != nil {
				return eris.Wrapf(err, "tick %d command %d", e.Tick, i)
			}
			issuer, ok := tw.ResolvePlayer(c.PlayerID)
			if !ok {
				return eris.Errorf("tick %d: unknown player %d", e.Tick, c.PlayerID)
			}
			cmd.Apply(issuer)
			rep.Commands++
		}
		tw.Advance(e.Tick)
		rep.Ticks++
		next++
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return rep, err
	}
	return rep, nil
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandPacket holds the commands one player wants applied at TargetTick.
// A packet is produced every tick, even with no commands, so it also acts as
// a liveness ping.
type CommandPacket struct {
	TargetTick Tick
	PlayerID   PlayerID
	Commands   []Command
}

func (*CommandPacket) MessageType() string { return TypeCommand }
func (p *CommandPacket) Tick() Tick        { return p.TargetTick }
func (p *CommandPacket) Sender() PlayerID  { return p.PlayerID }

func (p *CommandPacket) String() string {
	return fmt.Sprintf("CommandPacket(player=%d tick=%d commands=%d)", p.PlayerID, p.TargetTick, len(p.Commands))
}

type commandPacketWire struct {
	Type       string         `json:"type"`
	TargetTick Tick           `json:"target_tick"`
	PlayerID   PlayerID       `json:"player_id"`
	Commands   []commandEntry `json:"commands"`
}

type commandEntry struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

func (p *CommandPacket) MarshalJSON() ([]byte, error) {
	w := commandPacketWire{
		Type:       TypeCommand,
		TargetTick: p.TargetTick,
		PlayerID:   p.PlayerID,
		Commands:   make([]commandEntry, 0, len(p.Commands)),
	}
	for _, c := range p.Commands {
		name, args, err := EncodeCommand(c)
		if err != nil {
			return nil, err
		}
		w.Commands = append(w.Commands, commandEntry{Name: name, Args: args})
	}
	return json.Marshal(w)
}

// CheckupHashPacket reports a player's state hash for TargetTick. It is only
// used for divergence detection.
type CheckupHashPacket struct {
	TargetTick Tick      `json:"target_tick"`
	PlayerID   PlayerID  `json:"player_id"`
	Hash       HashValue `json:"hash"`
}

func (*CheckupHashPacket) MessageType() string { return TypeHash }
func (p *CheckupHashPacket) Tick() Tick        { return p.TargetTick }
func (p *CheckupHashPacket) Sender() PlayerID  { return p.PlayerID }

func (p *CheckupHashPacket) String() string {
	return fmt.Sprintf("CheckupHashPacket(player=%d tick=%d hash=%s)", p.PlayerID, p.TargetTick, p.Hash)
}

func (p *CheckupHashPacket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string    `json:"type"`
		TargetTick Tick      `json:"target_tick"`
		PlayerID   PlayerID  `json:"player_id"`
		Hash       HashValue `json:"hash"`
	}{TypeHash, p.TargetTick, p.PlayerID, p.Hash})
}

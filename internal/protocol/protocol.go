package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is checked once per connection, during the HELLO/WELCOME exchange.
// Packets themselves carry no version.
const Version = "1.0"

// Message types.
const (
	TypeHello      = "HELLO"
	TypeWelcome    = "WELCOME"
	TypeReject     = "REJECT"
	TypeStart      = "START"
	TypeCommand    = "CMD"
	TypeHash       = "HASH"
	TypePlayerLeft = "PLAYER_LEFT"
)

// Tick identifies one discrete simulation step.
type Tick uint64

// PlayerID is the stable wire-level identity of a player. Zero is never assigned.
type PlayerID uint64

func (id PlayerID) String() string { return strconv.FormatUint(uint64(id), 10) }

// HashValue is a fingerprint of simulation state (hex encoded).
type HashValue string

// Player is what a command receives as its issuer.
type Player interface {
	PlayerID() PlayerID
}

// Message is any decoded wire frame.
type Message interface {
	MessageType() string
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// PacketHeader is the routing part of CMD and HASH frames. The relay reads
// only this much of a frame before forwarding it.
type PacketHeader struct {
	Type       string   `json:"type"`
	TargetTick Tick     `json:"target_tick"`
	PlayerID   PlayerID `json:"player_id"`
}

func DecodePacketHeader(b []byte) (PacketHeader, error) {
	var h PacketHeader
	if err := json.Unmarshal(b, &h); err != nil {
		return h, err
	}
	if h.Type != TypeCommand && h.Type != TypeHash {
		return h, fmt.Errorf("not a packet frame: %q", h.Type)
	}
	return h, nil
}

package protocol

// HELLO (peer -> relay)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
}

func (HelloMsg) MessageType() string { return TypeHello }

// WELCOME (relay -> peer): seat assignment, sent right after a valid HELLO.
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	MatchID         string   `json:"match_id"`
	PlayerID        PlayerID `json:"player_id"`
	Seats           int      `json:"seats"`
}

func (WelcomeMsg) MessageType() string { return TypeWelcome }

// REJECT (relay -> peer): the connection is refused and will be closed.
type RejectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func (RejectMsg) MessageType() string { return TypeReject }

// START (relay -> all peers): the lobby is full and the session begins.
type StartMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	MatchID         string        `json:"match_id"`
	Players         []PlayerInfo  `json:"players"`
	Params          SessionParams `json:"params"`
}

func (StartMsg) MessageType() string { return TypeStart }

// PlayerIDs returns the roster in the order the relay sent it.
func (m StartMsg) PlayerIDs() []PlayerID {
	out := make([]PlayerID, 0, len(m.Players))
	for _, p := range m.Players {
		out = append(out, p.ID)
	}
	return out
}

type PlayerInfo struct {
	ID   PlayerID `json:"id"`
	Name string   `json:"name"`
}

// SessionParams must be identical on every peer of a session.
type SessionParams struct {
	FirstTick        Tick    `json:"first_tick_id"`
	TicksPerSecond   float64 `json:"ticks_per_second"`
	ExecutionDelay   uint64  `json:"execution_delay"`
	HashDelay        uint64  `json:"hash_delay"`
	HashEvalDistance uint64  `json:"hash_eval_distance"`
	FreezeProtection bool    `json:"freeze_protection"`
	StallTimeoutMS   int     `json:"stall_timeout_ms,omitempty"`
	Seed             int64   `json:"seed"`
}

// PLAYER_LEFT (relay -> peers): a member's connection is gone.
type PlayerLeftMsg struct {
	Type     string   `json:"type"`
	PlayerID PlayerID `json:"player_id"`
	Reason   string   `json:"reason,omitempty"`
}

func (PlayerLeftMsg) MessageType() string { return TypePlayerLeft }

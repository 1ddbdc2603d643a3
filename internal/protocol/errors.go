package protocol

import "github.com/rotisserie/eris"

// Reject codes carried by REJECT frames.
const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Lobby/session routing.
	ErrLobbyFull     = "E_LOBBY_FULL"
	ErrLobbyClosed   = "E_LOBBY_CLOSED"
	ErrSpoofedSender = "E_SPOOFED_SENDER"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrLobbyFull:       {},
	ErrLobbyClosed:     {},
	ErrSpoofedSender:   {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var (
	// ErrVersionMismatch means the two ends speak different protocol versions.
	// It is only ever raised while a connection is being established.
	ErrVersionMismatch = eris.New("protocol version mismatch")
	ErrUnknownMessage  = eris.New("unknown message type")
	ErrUnknownCommand  = eris.New("unknown command")
	ErrInvalidMessage  = eris.New("invalid message")
)

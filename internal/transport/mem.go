package transport

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"ticksync.io/internal/protocol"
)

var ErrSeatTaken = eris.New("player id already joined")

// MemNetwork connects endpoints inside one process. Every message goes
// through the wire codec on send and on receipt.
type MemNetwork struct {
	mu    sync.Mutex
	codec *protocol.Codec
	log   zerolog.Logger
	rng   *rand.Rand

	endpoints map[protocol.PlayerID]*MemEndpoint
}

type MemOption func(*MemNetwork)

// WithShuffleSeed makes each ReceiveAll interleave frames from different
// senders in a seeded random order. Frames from one sender stay in order.
func WithShuffleSeed(seed int64) MemOption {
	return func(n *MemNetwork) { n.rng = rand.New(rand.NewSource(seed)) }
}

func WithMemLogger(l zerolog.Logger) MemOption {
	return func(n *MemNetwork) { n.log = l }
}

func NewMemNetwork(codec *protocol.Codec, opts ...MemOption) *MemNetwork {
	n := &MemNetwork{
		codec:     codec,
		log:       zerolog.Nop(),
		endpoints: map[protocol.PlayerID]*MemEndpoint{},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Join attaches a player. A version other than protocol.Version is refused
// here, before any packet is exchanged.
func (n *MemNetwork) Join(id protocol.PlayerID, version string) (*MemEndpoint, error) {
	if version != protocol.Version {
		return nil, eris.Wrapf(protocol.ErrVersionMismatch, "peer speaks %q, network speaks %q", version, protocol.Version)
	}
	if id == 0 {
		return nil, eris.New("player id 0 is reserved")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, eris.Wrapf(ErrSeatTaken, "player %d", id)
	}
	ep := &MemEndpoint{net: n, id: id, inflight: map[protocol.PlayerID][][]byte{}}
	n.endpoints[id] = ep
	return ep, nil
}

func (n *MemNetwork) Players() []protocol.PlayerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playersLocked()
}

func (n *MemNetwork) playersLocked() []protocol.PlayerID {
	out := make([]protocol.PlayerID, 0, len(n.endpoints))
	for id := range n.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Disconnect drops a player. The others receive PLAYER_LEFT, the dropped
// endpoint sees a lost connection on its next receive.
func (n *MemNetwork) Disconnect(id protocol.PlayerID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok {
		return
	}
	delete(n.endpoints, id)
	ep.lost = Lost(reason, nil)

	b, err := n.codec.Encode(protocol.PlayerLeftMsg{PlayerID: id, Reason: reason})
	if err != nil {
		n.log.Error().Err(err).Msg("encode PLAYER_LEFT")
		return
	}
	for _, other := range n.playersLocked() {
		n.endpoints[other].enqueue(0, b)
	}
}

// MemEndpoint is one player's Transport on a MemNetwork.
type MemEndpoint struct {
	net  *MemNetwork
	id   protocol.PlayerID
	held bool
	lost *ConnectionLostError

	// Frames not yet handed out, per sender. Sender 0 is the network itself.
	inflight map[protocol.PlayerID][][]byte
}

func (e *MemEndpoint) PlayerID() protocol.PlayerID { return e.id }

func (e *MemEndpoint) enqueue(from protocol.PlayerID, b []byte) {
	e.inflight[from] = append(e.inflight[from], b)
}

// Hold stops delivery to this endpoint until Release. Frames keep queueing.
func (e *MemEndpoint) Hold() {
	e.net.mu.Lock()
	e.held = true
	e.net.mu.Unlock()
}

func (e *MemEndpoint) Release() {
	e.net.mu.Lock()
	e.held = false
	e.net.mu.Unlock()
}

func (e *MemEndpoint) SendToAll(msg protocol.Message) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.lost != nil {
		return e.lost
	}
	b, err := n.codec.Encode(msg)
	if err != nil {
		return err
	}
	for _, id := range n.playersLocked() {
		if id == e.id {
			continue
		}
		n.endpoints[id].enqueue(e.id, b)
	}
	return nil
}

func (e *MemEndpoint) ReceiveAll() ([]protocol.Message, error) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.held {
		return nil, nil
	}
	var out []protocol.Message
	for _, b := range e.drainLocked() {
		m, err := n.codec.Decode(b)
		if err != nil {
			n.log.Debug().Err(err).Uint64("player", uint64(e.id)).Msg("dropping undecodable frame")
			continue
		}
		out = append(out, m)
	}
	if e.lost != nil {
		return out, e.lost
	}
	return out, nil
}

// drainLocked merges the per-sender queues. Without a shuffle seed senders
// are visited in id order.
func (e *MemEndpoint) drainLocked() [][]byte {
	senders := make([]protocol.PlayerID, 0, len(e.inflight))
	total := 0
	for id, q := range e.inflight {
		if len(q) > 0 {
			senders = append(senders, id)
			total += len(q)
		}
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })
	out := make([][]byte, 0, total)
	rng := e.net.rng
	if rng == nil {
		for _, id := range senders {
			out = append(out, e.inflight[id]...)
		}
		e.inflight = map[protocol.PlayerID][][]byte{}
		return out
	}
	for len(senders) > 0 {
		i := rng.Intn(len(senders))
		id := senders[i]
		q := e.inflight[id]
		out = append(out, q[0])
		if len(q) == 1 {
			delete(e.inflight, id)
			senders = append(senders[:i], senders[i+1:]...)
		} else {
			e.inflight[id] = q[1:]
		}
	}
	return out
}

// Close leaves the network as if the connection dropped.
func (e *MemEndpoint) Close() error {
	e.net.Disconnect(e.id, "closed")
	return nil
}

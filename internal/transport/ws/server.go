// Package ws carries lockstep packets over websockets: a relay that groups
// peers into matches and fans their frames out, and the matching client.
package ws

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ticksync.io/internal/protocol"
)

const (
	writeWait    = 5 * time.Second
	helloWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 20 * time.Second
	outboxFrames = 1024
)

type RelayConfig struct {
	// Players is the number of seats; START is sent once all are taken.
	Players int
	// Per-connection inbound limit. FramesPerSecond <= 0 disables it.
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
	Params          protocol.SessionParams
}

func (c RelayConfig) Validate() error {
	if c.Players < 1 {
		return eris.New("relay needs at least one seat")
	}
	if c.FramesPerSecond > 0 && c.FrameBurst < 1 {
		return eris.New("frame burst must be positive when rate limiting")
	}
	return nil
}

// RelayStats are monotonic counters plus the current connection count.
type RelayStats struct {
	Connections     int64
	MatchesStarted  uint64
	FramesForwarded uint64
	FramesDropped   uint64
	Spoofed         uint64
	RateLimited     uint64
	Rejected        uint64
}

type RelayOption func(*Relay)

func WithRelayLogger(l zerolog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// WithMatchIDs replaces uuid match ids.
func WithMatchIDs(next func() string) RelayOption {
	return func(r *Relay) { r.newMatchID = next }
}

type Relay struct {
	cfg        RelayConfig
	codec      *protocol.Codec
	log        zerolog.Logger
	newMatchID func() string

	upgrader websocket.Upgrader

	mu    sync.Mutex
	lobby *match

	conns       atomic.Int64
	started     atomic.Uint64
	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	spoofed     atomic.Uint64
	rateLimited atomic.Uint64
	rejected    atomic.Uint64
}

type match struct {
	id      string
	started bool
	nextID  protocol.PlayerID
	members map[protocol.PlayerID]*member
}

type member struct {
	id    protocol.PlayerID
	name  string
	match *match
	// Guarded by Relay.mu; closed once the member leaves.
	out chan []byte
}

// NewRelay builds a relay. The codec only needs to decode handshake frames,
// so a codec without a command registry is enough: packets are forwarded
// as received.
func NewRelay(cfg RelayConfig, codec *protocol.Codec, opts ...RelayOption) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:        cfg,
		codec:      codec,
		log:        zerolog.Nop(),
		newMatchID: func() string { return uuid.NewString() },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Connections:     r.conns.Load(),
		MatchesStarted:  r.started.Load(),
		FramesForwarded: r.forwarded.Load(),
		FramesDropped:   r.dropped.Load(),
		Spoofed:         r.spoofed.Load(),
		RateLimited:     r.rateLimited.Load(),
		Rejected:        r.rejected.Load(),
	}
}

func (r *Relay) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if r.cfg.MaxFrameBytes > 0 {
			conn.SetReadLimit(r.cfg.MaxFrameBytes)
		}
		r.conns.Add(1)
		defer r.conns.Add(-1)

		hello, ok := r.handshake(conn)
		if !ok {
			return
		}
		m := r.join(hello.PlayerName)
		log := r.log.With().Str("match", m.match.id).Uint64("player", uint64(m.id)).Logger()
		log.Info().Str("name", m.name).Msg("joined")

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			r.writeLoop(conn, m.out)
		}()

		reason := r.readLoop(conn, m, log)
		r.leave(m, reason)
		log.Info().Str("reason", reason).Msg("left")
		<-writerDone
	}
}

// handshake reads HELLO. A refused peer gets a REJECT frame before the
// connection closes.
func (r *Relay) handshake(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	_, b, err := conn.ReadMessage()
	if err != nil {
		return protocol.HelloMsg{}, false
	}
	base, err := protocol.DecodeBase(b)
	if err != nil || base.Type != protocol.TypeHello {
		r.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return protocol.HelloMsg{}, false
	}
	if base.ProtocolVersion != protocol.Version {
		r.reject(conn, protocol.ErrProtoVersion, "relay speaks "+protocol.Version)
		return protocol.HelloMsg{}, false
	}
	msg, err := r.codec.Decode(b)
	if err != nil {
		r.reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return protocol.HelloMsg{}, false
	}
	hello := msg.(protocol.HelloMsg)
	if hello.PlayerName == "" {
		hello.PlayerName = "peer"
	}
	return hello, true
}

func (r *Relay) reject(conn *websocket.Conn, code, message string) {
	r.rejected.Add(1)
	b, err := r.codec.Encode(protocol.RejectMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

// join seats a player in the open lobby and starts the match once it is full.
func (r *Relay) join(name string) *member {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lobby == nil {
		r.lobby = &match{id: r.newMatchID(), members: map[protocol.PlayerID]*member{}}
	}
	mt := r.lobby
	mt.nextID++
	m := &member{id: mt.nextID, name: name, match: mt, out: make(chan []byte, outboxFrames)}
	mt.members[m.id] = m

	welcome, err := r.codec.Encode(protocol.WelcomeMsg{MatchID: mt.id, PlayerID: m.id, Seats: r.cfg.Players})
	if err == nil {
		m.out <- welcome
	}

	if len(mt.members) == r.cfg.Players {
		r.startLocked(mt)
	}
	return m
}

func (r *Relay) startLocked(mt *match) {
	ids := make([]protocol.PlayerID, 0, len(mt.members))
	for id := range mt.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	start := protocol.StartMsg{MatchID: mt.id, Params: r.cfg.Params}
	for _, id := range ids {
		start.Players = append(start.Players, protocol.PlayerInfo{ID: id, Name: mt.members[id].name})
	}
	b, err := r.codec.Encode(start)
	if err != nil {
		r.log.Error().Err(err).Str("match", mt.id).Msg("encode START")
		return
	}
	mt.started = true
	r.lobby = nil
	r.started.Add(1)
	for _, id := range ids {
		r.sendLocked(mt.members[id], b)
	}
	r.log.Info().Str("match", mt.id).Int("players", len(ids)).Msg("match started")
}

// sendLocked queues b for m. A member whose outbox is full cannot keep up
// with lockstep traffic and is dropped.
func (r *Relay) sendLocked(m *member, b []byte) bool {
	if m.out == nil {
		return false
	}
	select {
	case m.out <- b:
		return true
	default:
		r.dropped.Add(1)
		r.removeLocked(m, "outbox full")
		return false
	}
}

func (r *Relay) readLoop(conn *websocket.Conn, m *member, log zerolog.Logger) string {
	var limiter *rate.Limiter
	if r.cfg.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.FramesPerSecond), r.cfg.FrameBurst)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read: " + err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if limiter != nil && !limiter.Allow() {
			r.rateLimited.Add(1)
			log.Warn().Msg("rate limit exceeded")
			if rej, err := r.codec.Encode(protocol.RejectMsg{Code: protocol.ErrRateLimit, Message: "too many frames"}); err == nil {
				r.mu.Lock()
				r.sendLocked(m, rej)
				r.mu.Unlock()
			}
			return "rate limit"
		}

		h, err := protocol.DecodePacketHeader(b)
		if err != nil {
			r.dropped.Add(1)
			log.Debug().Err(err).Msg("dropping frame")
			continue
		}
		if h.PlayerID != m.id {
			r.spoofed.Add(1)
			log.Warn().Uint64("claimed", uint64(h.PlayerID)).Str("type", h.Type).Msg("dropping spoofed frame")
			continue
		}
		if !r.forward(m, b) {
			return "removed"
		}
	}
}

// forward fans b out to every other member. It reports false once m itself
// is no longer part of its match.
func (r *Relay) forward(m *member, b []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.out == nil {
		return false
	}
	if !m.match.started {
		r.dropped.Add(1)
		return true
	}
	for id, other := range m.match.members {
		if id == m.id {
			continue
		}
		if r.sendLocked(other, b) {
			r.forwarded.Add(1)
		}
	}
	return m.out != nil
}

func (r *Relay) leave(m *member, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(m, reason)
}

func (r *Relay) removeLocked(m *member, reason string) {
	if m.out == nil {
		return
	}
	close(m.out)
	m.out = nil
	mt := m.match
	delete(mt.members, m.id)
	if !mt.started {
		return
	}
	b, err := r.codec.Encode(protocol.PlayerLeftMsg{PlayerID: m.id, Reason: reason})
	if err != nil {
		return
	}
	for _, other := range mt.members {
		r.sendLocked(other, b)
	}
}

func (r *Relay) writeLoop(conn *websocket.Conn, out <-chan []byte) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				drain(out)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				drain(out)
				return
			}
		}
	}
}

// drain waits for out to be closed so senders never block on a dead writer.
func drain(out <-chan []byte) {
	for range out {
	}
}

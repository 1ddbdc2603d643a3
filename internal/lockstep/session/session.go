// Package session is the lockstep session manager. Once per frame it drains
// the transport, sends this player's commands for a future tick, exchanges
// checkup hashes, and tells the timer whether the next tick may run.
package session

import (
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ticksync.io/internal/lockstep/queue"
	"ticksync.io/internal/lockstep/timer"
	"ticksync.io/internal/protocol"
	"ticksync.io/internal/transport"
)

// World is the simulation as seen by the session.
type World interface {
	ResolvePlayer(id protocol.PlayerID) (protocol.Player, bool)
	// CheckupHash must be deterministic for identical states.
	CheckupHash() protocol.HashValue
}

type Config struct {
	FirstTick        protocol.Tick
	ExecutionDelay   uint64
	HashDelay        uint64
	HashEvalDistance uint64
	// StallTimeout > 0 ends the session when one tick waits longer than this
	// for missing players. Zero waits forever.
	StallTimeout time.Duration
}

func ConfigFromParams(p protocol.SessionParams) Config {
	return Config{
		FirstTick:        p.FirstTick,
		ExecutionDelay:   p.ExecutionDelay,
		HashDelay:        p.HashDelay,
		HashEvalDistance: p.HashEvalDistance,
		StallTimeout:     time.Duration(p.StallTimeoutMS) * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.ExecutionDelay == 0 {
		return eris.New("execution_delay must be at least 1")
	}
	if c.HashEvalDistance == 0 {
		return eris.New("hash_eval_distance must be at least 1")
	}
	if c.StallTimeout < 0 {
		return eris.New("stall timeout must not be negative")
	}
	return nil
}

// Executed is one applied command.
type Executed struct {
	Tick     protocol.Tick
	PlayerID protocol.PlayerID
	Command  protocol.Command
}

// TickRecord describes one executed tick. Hash is the checkup hash taken
// while the tick was gated, before it ran; HashTarget is the tick it was
// sent for.
type TickRecord struct {
	Tick       protocol.Tick
	Commands   []Executed
	Hash       protocol.HashValue
	HashTarget protocol.Tick
}

// Recorder receives executed ticks and desync reports. Errors are logged;
// they never stop the session.
type Recorder interface {
	RecordTick(rec TickRecord) error
	RecordDesync(err *DesyncError) error
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorders = append(s.recorders, r) }
}

// OnFatal is called once, with the first fatal error.
func OnFatal(fn func(error)) Option {
	return func(s *Session) { s.onFatal = fn }
}

type Session struct {
	cfg   Config
	tr    transport.Transport
	world World
	local protocol.PlayerID
	log   zerolog.Logger
	now   func() time.Time

	remote *queue.Manager[*protocol.CommandPacket]
	locals *queue.Manager[*protocol.CommandPacket]
	hashes *queue.HashManager

	outbound      []protocol.Command
	outboundLocal []protocol.Command

	sentAny      bool
	lastSentTick protocol.Tick
	// Hash taken during the first visit of lastSentTick.
	lastHash       protocol.HashValue
	lastHashTarget protocol.Tick
	checked        map[protocol.Tick]bool

	waiting      bool
	waitTick     protocol.Tick
	waitingSince time.Time
	waitLog      *rate.Limiter

	fatal     error
	onFatal   func(error)
	recorders []Recorder
}

// New builds the session of localID inside roster. roster must contain
// localID.
func New(cfg Config, tr transport.Transport, world World, localID protocol.PlayerID, roster []protocol.PlayerID, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil || world == nil {
		return nil, eris.New("session needs a transport and a world")
	}
	found := false
	for _, id := range roster {
		if id == localID {
			found = true
		}
	}
	if !found {
		return nil, eris.Errorf("local player %d is not in the roster %v", localID, roster)
	}
	s := &Session{
		cfg:     cfg,
		tr:      tr,
		world:   world,
		local:   localID,
		log:     zerolog.Nop(),
		now:     time.Now,
		remote:  queue.NewManager[*protocol.CommandPacket](roster),
		locals:  queue.NewManager[*protocol.CommandPacket]([]protocol.PlayerID{localID}),
		hashes:  queue.NewHashManager(roster, cfg.HashEvalDistance),
		checked: map[protocol.Tick]bool{},
		waitLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Session) LocalPlayer() protocol.PlayerID { return s.local }

func (s *Session) Roster() []protocol.PlayerID { return s.remote.Players() }

// Err returns the first fatal error, if any.
func (s *Session) Err() error { return s.fatal }

// Attach registers CanTick as a gate and Tick as a handler.
func (s *Session) Attach(t *timer.Timer) (detach func()) {
	g := t.RegisterGate(s.CanTick)
	h := t.RegisterHandler(s.Tick)
	return func() {
		g.Unregister()
		h.Unregister()
	}
}

// Execute queues a networked command. It runs on every peer at the tick the
// next outgoing packet targets, never immediately.
func (s *Session) Execute(cmd protocol.Command) {
	s.outbound = append(s.outbound, cmd)
}

// ExecuteLocal queues a command that runs only on this peer, at the same
// tick as networked commands sent with it.
func (s *Session) ExecuteLocal(cmd protocol.Command) {
	s.outboundLocal = append(s.outboundLocal, cmd)
}

// PendingCommands lists commands of id that are committed to a future tick
// but not executed yet, in execution order. For the local player this
// includes commands not sent yet.
func (s *Session) PendingCommands(id protocol.PlayerID) []protocol.Command {
	packets := s.remote.PacketsFromPlayer(id)
	if id == s.local {
		packets = append(packets, s.locals.PacketsFromPlayer(id)...)
		sort.SliceStable(packets, func(i, j int) bool { return packets[i].TargetTick < packets[j].TargetTick })
	}
	var out []protocol.Command
	for _, p := range packets {
		out = append(out, p.Commands...)
	}
	if id == s.local {
		out = append(out, s.outbound...)
		out = append(out, s.outboundLocal...)
	}
	return out
}

func (s *Session) graced(tick protocol.Tick) bool {
	return tick < s.cfg.FirstTick+protocol.Tick(s.cfg.ExecutionDelay)
}

// Hash ticks before FirstTick+HashDelay have no hash packets to wait for.
func (s *Session) hashesDue(tick protocol.Tick) bool {
	return s.hashes.IsHashTick(tick) && tick >= s.cfg.FirstTick+protocol.Tick(s.cfg.HashDelay)
}

// CanTick is the timer gate. It is called once per frame for the next tick
// until it passes.
func (s *Session) CanTick(tick protocol.Tick) timer.Verdict {
	if s.fatal != nil {
		return timer.Skip
	}
	s.drain()
	if s.fatal != nil {
		return timer.Skip
	}

	if !s.sentAny || tick > s.lastSentTick {
		s.sentAny, s.lastSentTick = true, tick
		s.lastHash = ""
		s.sendCommands(tick)
		if uint64(tick+protocol.Tick(s.cfg.HashDelay))%s.cfg.HashEvalDistance == 0 {
			s.sendHash(tick)
		}
		if s.fatal != nil {
			return timer.Skip
		}
	}

	// The grace window only waives command packets. Hashes due inside it
	// were sent at or after FirstTick and are still compared.
	graced := s.graced(tick)
	hashDue := s.hashesDue(tick) && !s.checked[tick]
	remoteReady := graced || s.remote.IsTickReady(tick)
	hashReady := !hashDue || s.hashes.IsTickReady(tick)
	if !remoteReady || !hashReady {
		s.wait(tick, !remoteReady, hashDue)
		return timer.Skip
	}
	s.waiting = false

	// A later gate may send this tick back through here; its hashes are
	// already consumed and compared.
	if hashDue {
		if err := s.HashValueCheck(tick); err != nil {
			return timer.Skip
		}
	}
	return timer.Pass
}

func (s *Session) drain() {
	msgs, err := s.tr.ReceiveAll()
	for _, m := range msgs {
		switch p := m.(type) {
		case *protocol.CommandPacket:
			if err := s.remote.AddPacket(p); err != nil {
				s.logRejected(err, p.String())
			}
		case *protocol.CheckupHashPacket:
			if err := s.hashes.AddPacket(p); err != nil {
				s.logRejected(err, p.String())
			}
		case protocol.PlayerLeftMsg:
			s.fail(eris.Wrapf(ErrPeerLeft, "player %d left: %s", p.PlayerID, p.Reason))
		default:
			s.log.Debug().Str("type", m.MessageType()).Msg("ignoring message")
		}
	}
	if err != nil {
		if !errors.Is(err, transport.ErrConnectionLost) {
			err = transport.Lost("receive", err)
		}
		s.fail(err)
	}
}

func (s *Session) logRejected(err error, what string) {
	ev := s.log.Warn()
	if errors.Is(err, queue.ErrStalePacket) {
		ev = s.log.Debug()
	}
	ev.Err(err).Str("packet", what).Msg("packet dropped")
}

func (s *Session) sendCommands(tick protocol.Tick) {
	target := tick + protocol.Tick(s.cfg.ExecutionDelay)

	own := &protocol.CommandPacket{TargetTick: target, PlayerID: s.local, Commands: s.outbound}
	if own.Commands == nil {
		own.Commands = []protocol.Command{}
	}
	s.outbound = nil
	if err := s.remote.AddPacket(own); err != nil {
		s.logRejected(err, own.String())
	}
	if err := s.tr.SendToAll(own); err != nil {
		s.fail(s.sendError(err))
		return
	}

	local := &protocol.CommandPacket{TargetTick: target, PlayerID: s.local, Commands: s.outboundLocal}
	s.outboundLocal = nil
	if err := s.locals.AddPacket(local); err != nil {
		s.logRejected(err, local.String())
	}
}

func (s *Session) sendHash(tick protocol.Tick) {
	target := tick + protocol.Tick(s.cfg.HashDelay)
	h := &protocol.CheckupHashPacket{TargetTick: target, PlayerID: s.local, Hash: s.world.CheckupHash()}
	s.lastHash, s.lastHashTarget = h.Hash, target
	if err := s.hashes.AddPacket(h); err != nil {
		s.logRejected(err, h.String())
	}
	if err := s.tr.SendToAll(h); err != nil {
		s.fail(s.sendError(err))
	}
}

func (s *Session) sendError(err error) error {
	if errors.Is(err, transport.ErrConnectionLost) {
		return err
	}
	// An encode failure means a command cannot cross the wire.
	return eris.Wrap(err, "send packet")
}

func (s *Session) wait(tick protocol.Tick, commands, hashes bool) {
	now := s.now()
	if !s.waiting || s.waitTick != tick {
		s.waiting, s.waitTick, s.waitingSince = true, tick, now
	}
	var missing []protocol.PlayerID
	if commands {
		missing = s.remote.Missing(tick)
	}
	if hashes {
		missing = mergeIDs(missing, s.hashes.Missing(tick))
	}
	waited := now.Sub(s.waitingSince)
	if s.cfg.StallTimeout > 0 && waited > s.cfg.StallTimeout {
		s.fail(eris.Wrapf(ErrPeerStalled, "tick %d waited %s for players %v", tick, waited, missing))
		return
	}
	if s.waitLog.AllowN(now, 1) {
		s.log.Info().Uint64("tick", uint64(tick)).Interface("missing", missing).Dur("waited", waited).Msg("waiting for players")
	}
}

func mergeIDs(a, b []protocol.PlayerID) []protocol.PlayerID {
	seen := map[protocol.PlayerID]bool{}
	var out []protocol.PlayerID
	for _, id := range append(append([]protocol.PlayerID(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HashValueCheck compares the hashes every player reported for tick. The
// first mismatch is fatal and reported once; the simulation never advances
// past it.
func (s *Session) HashValueCheck(tick protocol.Tick) error {
	s.checked[tick] = true
	equal, hashes := s.hashes.AreCheckupHashValuesEqual(tick)
	if equal {
		s.log.Debug().Uint64("tick", uint64(tick)).Int("players", len(hashes)).Msg("checkup hashes agree")
		return nil
	}
	err := &DesyncError{Tick: tick, Hashes: hashes}
	if s.fatal == nil {
		for _, r := range s.recorders {
			if rerr := r.RecordDesync(err); rerr != nil {
				s.log.Error().Err(rerr).Msg("record desync")
			}
		}
	}
	s.fail(err)
	return err
}

func (s *Session) fail(err error) {
	if s.fatal != nil {
		return
	}
	s.fatal = err
	ev := s.log.Error().Err(err)
	if IsSimulationFatal(err) {
		ev = ev.Bool("simulation_fatal", true)
	}
	ev.Msg("session stopped")
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// Tick executes the commands buffered for tick: all packets ordered by
// player id, each packet's commands in submission order.
func (s *Session) Tick(tick protocol.Tick) {
	packets := s.remote.PacketsForTick(tick, true)
	packets = append(packets, s.locals.PacketsForTick(tick, true)...)
	sort.SliceStable(packets, func(i, j int) bool { return packets[i].PlayerID < packets[j].PlayerID })

	rec := TickRecord{Tick: tick}
	if s.sentAny && s.lastSentTick == tick && s.lastHash != "" {
		rec.Hash, rec.HashTarget = s.lastHash, s.lastHashTarget
	}
	for _, p := range packets {
		if len(p.Commands) == 0 {
			continue
		}
		issuer, ok := s.world.ResolvePlayer(p.PlayerID)
		if !ok {
			s.log.Warn().Str("packet", p.String()).Msg("unknown issuer, commands skipped")
			continue
		}
		for _, cmd := range p.Commands {
			cmd.Apply(issuer)
			rec.Commands = append(rec.Commands, Executed{Tick: tick, PlayerID: p.PlayerID, Command: cmd})
		}
	}

	if s.hashes.IsHashTick(tick) {
		if !s.checked[tick] {
			s.hashes.PacketsForTick(tick, true)
		}
		delete(s.checked, tick)
	}

	for _, r := range s.recorders {
		if err := r.RecordTick(rec); err != nil {
			s.log.Error().Err(err).Uint64("tick", uint64(tick)).Msg("record tick")
		}
	}
}

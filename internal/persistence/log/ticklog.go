package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"ticksync.io/internal/lockstep/session"
	"ticksync.io/internal/protocol"
)

const (
	headerFile = "session.json"
	ticksDir   = "ticks"
	ticksPref  = "ticks"
)

// Header is everything needed to rebuild the session's starting state.
type Header struct {
	ProtocolVersion string                 `json:"protocol_version"`
	MatchID         string                 `json:"match_id"`
	LocalPlayer     protocol.PlayerID      `json:"local_player"`
	Players         []protocol.PlayerInfo  `json:"players"`
	Params          protocol.SessionParams `json:"params"`
}

type CommandEntry struct {
	PlayerID protocol.PlayerID `json:"player_id"`
	Name     string            `json:"name"`
	Args     json.RawMessage   `json:"args"`
}

// TickEntry is one executed tick. Hash, when set, was taken before the tick
// ran. Desync entries carry only Tick and Desync.
type TickEntry struct {
	Tick       protocol.Tick                            `json:"tick"`
	Commands   []CommandEntry                           `json:"commands,omitempty"`
	Hash       protocol.HashValue                       `json:"hash,omitempty"`
	HashTarget protocol.Tick                            `json:"hash_target,omitempty"`
	Desync     map[protocol.PlayerID]protocol.HashValue `json:"desync,omitempty"`
}

// TickLogger records a session for offline replay. It implements
// session.Recorder.
type TickLogger struct{ w *JSONLZstdWriter }

var _ session.Recorder = (*TickLogger)(nil)

func NewTickLogger(dir string, h Header) (*TickLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "mkdir %s", dir)
	}
	if h.ProtocolVersion == "" {
		h.ProtocolVersion = protocol.Version
	}
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "marshal header")
	}
	if err := os.WriteFile(filepath.Join(dir, headerFile), b, 0o644); err != nil {
		return nil, eris.Wrap(err, "write header")
	}
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(dir, ticksDir), ticksPref)}, nil
}

func (l *TickLogger) RecordTick(rec session.TickRecord) error {
	e := TickEntry{Tick: rec.Tick, Hash: rec.Hash, HashTarget: rec.HashTarget}
	for _, x := range rec.Commands {
		name, args, err := protocol.EncodeCommand(x.Command)
		if err != nil {
			return err
		}
		e.Commands = append(e.Commands, CommandEntry{PlayerID: x.PlayerID, Name: name, Args: args})
	}
	return l.w.Write(e)
}

func (l *TickLogger) RecordDesync(err *session.DesyncError) error {
	return l.w.Write(TickEntry{Tick: err.Tick, Desync: err.Hashes})
}

func (l *TickLogger) Close() error { return l.w.Close() }

func ReadHeader(dir string) (Header, error) {
	var h Header
	b, err := os.ReadFile(filepath.Join(dir, headerFile))
	if err != nil {
		return h, eris.Wrap(err, "read header")
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, eris.Wrap(err, "decode header")
	}
	if h.ProtocolVersion != protocol.Version {
		return h, eris.Wrapf(protocol.ErrVersionMismatch, "log written by %q", h.ProtocolVersion)
	}
	return h, nil
}

// ReadTicks calls fn for every entry in file order. A non-nil error from fn
// stops the walk and is returned.
func ReadTicks(dir string, fn func(TickEntry) error) error {
	files, err := tickFiles(filepath.Join(dir, ticksDir))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return eris.Errorf("no tick files in %s", dir)
	}
	for _, path := range files {
		if err := readTickFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func tickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "list %s", dir)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, ticksPref+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func readTickFile(path string, fn func(TickEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e TickEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return eris.Wrapf(err, "%s", filepath.Base(path))
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

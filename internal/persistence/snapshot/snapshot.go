// Package snapshot stores the shared simulation state at a tick boundary so
// a replay can start mid-match instead of from the first tick.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"ticksync.io/internal/protocol"
)

const Version = 1

// Header is written as a plain JSON line ahead of the gob body, so tools can
// identify a snapshot without decoding all of it.
type Header struct {
	Version int           `json:"version"`
	MatchID string        `json:"match_id"`
	Tick    protocol.Tick `json:"tick"`
}

// TownV1 is the town after Tick ran. Hash is its checkup hash and is
// verified on import.
type TownV1 struct {
	Header Header `json:"header"`

	Seed     int64              `json:"seed"`
	Rejected int                `json:"rejected"`
	Hash     protocol.HashValue `json:"hash"`

	Citizens []CitizenV1 `json:"citizens"`
	Roads    []RoadV1    `json:"roads"`
}

type CitizenV1 struct {
	ID   protocol.PlayerID `json:"id"`
	Name string            `json:"name"`
	Gold int               `json:"gold"`
	Wood int               `json:"wood"`
}

type RoadV1 struct {
	X     int               `json:"x"`
	Y     int               `json:"y"`
	Owner protocol.PlayerID `json:"owner"`
}

// Path is where a snapshot of tick lives under dir.
func Path(dir string, tick protocol.Tick) string {
	return filepath.Join(dir, "snapshots", strconv.FormatUint(uint64(tick), 10)+".snap.zst")
}

func WriteSnapshot(path string, snap TownV1) (err error) {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "mkdir snapshot dir")
	}
	// Readers only ever see complete files.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "create %s", tmp)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return eris.Wrap(err, "zstd writer")
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return eris.Wrap(err, "write header")
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return eris.Wrap(err, "gob encode")
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return eris.Wrap(err, "flush")
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "close zstd")
	}
	if err := f.Close(); err != nil {
		return eris.Wrap(err, "close file")
	}
	return eris.Wrap(os.Rename(tmp, path), "rename snapshot")
}

func ReadSnapshot(path string) (TownV1, error) {
	var snap TownV1
	f, err := os.Open(path)
	if err != nil {
		return snap, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, eris.Wrap(err, "zstd reader")
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, eris.Wrap(err, "read header")
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, eris.Wrap(err, "decode header")
	}
	if h.Version != Version {
		return snap, eris.Errorf("snapshot version %d, want %d", h.Version, Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, eris.Wrap(err, "gob decode")
	}
	return snap, nil
}

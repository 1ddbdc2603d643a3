// Package digest writes simulation state into a hash in a fixed byte layout,
// so equal states hash equally on every platform.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"lukechampine.com/blake3"

	"ticksync.io/internal/protocol"
)

// Digest is a blake3 hash fed with little-endian fixed-width integers.
type Digest struct {
	h   hash.Hash
	tmp [8]byte
}

func New() *Digest {
	return &Digest{h: blake3.New(32, nil)}
}

func (d *Digest) U64(v uint64) {
	binary.LittleEndian.PutUint64(d.tmp[:], v)
	d.h.Write(d.tmp[:])
}

func (d *Digest) I64(v int64) { d.U64(uint64(v)) }

func (d *Digest) Bool(v bool) { d.h.Write([]byte{BoolByte(v)}) }

// Str is length-prefixed so adjacent strings cannot run together.
func (d *Digest) Str(s string) {
	d.U64(uint64(len(s)))
	d.h.Write([]byte(s))
}

// SortedNonZeroIntMap writes m in key order, skipping zero values.
func (d *Digest) SortedNonZeroIntMap(m map[string]int) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	d.U64(uint64(len(keys)))
	for _, k := range keys {
		d.Str(k)
		d.I64(int64(m[k]))
	}
}

func (d *Digest) Sum() protocol.HashValue {
	return protocol.HashValue(hex.EncodeToString(d.h.Sum(nil)))
}

func BoolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

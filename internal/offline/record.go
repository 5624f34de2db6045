// Package offline decodes the per-thread raw record stream produced by the
// instrumentation runtime and provides the lookahead-buffered reader the
// basic-block expander needs for the predicated-memref case.
package offline

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag identifies the variant of an offline record (spec §3).
type Tag uint8

const (
	TagThread Tag = iota
	TagPID
	TagTimestamp
	TagPC
	TagMemref
	TagMemrefHigh
	TagIflush
	TagExtended
)

// ExtKind distinguishes the two EXTENDED sub-variants.
type ExtKind uint8

const (
	ExtHeader ExtKind = iota
	ExtFooter
)

// OfflineFileVersion is the version every thread stream's header must carry.
const OfflineFileVersion = 1

// recordSize is the on-disk size of one offline record, per spec §3.
const recordSize = 16

// Entry is one decoded offline record.
//
// Fields are populated according to Tag:
//   - TagThread:              TID
//   - TagPID:                 PID
//   - TagTimestamp:           USec
//   - TagPC:                  ModIdx, ModOffs, InstrCount
//   - TagMemref/TagMemrefHigh: Addr (the full combined value)
//   - TagIflush:               Addr (one boundary of the pair)
//   - TagExtended:             Ext, ExtValue
type Entry struct {
	Tag Tag

	TID uint64
	PID uint64
	USec uint64

	ModIdx     uint32
	ModOffs    uint32
	InstrCount uint32

	Addr uint64

	Ext      ExtKind
	ExtValue uint64
}

// IsNotInModule reports whether a PC entry is the "not in any module"
// sentinel (modidx == 0 && modoffs == 0), which callers must treat as
// undecodable regardless of what modvec[0] happens to be.
func (e Entry) IsNotInModule() bool {
	return e.Tag == TagPC && e.ModIdx == 0 && e.ModOffs == 0
}

// Marshal encodes e into a fresh 16-byte wire record.
//
// Layout (little-endian): byte 0 = tag, byte 1 = ext-subkind (TagExtended
// only), bytes 2-3 reserved, bytes 4-7 = instr_count (TagPC only), bytes
// 8-11 = low 32 bits of the payload value (modoffs for TagPC, or the low
// half of the 64-bit value for every other tag), bytes 12-15 = high 32
// bits of the payload value (modidx for TagPC).
func (e Entry) Marshal() [recordSize]byte {
	var buf [recordSize]byte
	buf[0] = byte(e.Tag)
	var value uint64
	switch e.Tag {
	case TagThread:
		value = e.TID
	case TagPID:
		value = e.PID
	case TagTimestamp:
		value = e.USec
	case TagPC:
		binary.LittleEndian.PutUint32(buf[4:8], e.InstrCount)
		value = uint64(e.ModIdx)<<32 | uint64(e.ModOffs)
	case TagMemref, TagMemrefHigh, TagIflush:
		value = e.Addr
	case TagExtended:
		buf[1] = byte(e.Ext)
		value = e.ExtValue
	}
	binary.LittleEndian.PutUint64(buf[8:16], value)
	return buf
}

// Unmarshal decodes a 16-byte wire record.
func Unmarshal(buf []byte) (Entry, error) {
	if len(buf) != recordSize {
		return Entry{}, errors.Errorf("offline: record must be %d bytes, got %d", recordSize, len(buf))
	}
	var e Entry
	tag := Tag(buf[0])
	value := binary.LittleEndian.Uint64(buf[8:16])
	switch tag {
	case TagThread:
		e = Entry{Tag: tag, TID: value}
	case TagPID:
		e = Entry{Tag: tag, PID: value}
	case TagTimestamp:
		e = Entry{Tag: tag, USec: value}
	case TagPC:
		e = Entry{
			Tag:        tag,
			ModIdx:     uint32(value >> 32),
			ModOffs:    uint32(value),
			InstrCount: binary.LittleEndian.Uint32(buf[4:8]),
		}
	case TagMemref, TagMemrefHigh, TagIflush:
		e = Entry{Tag: tag, Addr: value}
	case TagExtended:
		e = Entry{Tag: tag, Ext: ExtKind(buf[1]), ExtValue: value}
	default:
		return Entry{}, errors.Errorf("offline: unknown trace type %d", tag)
	}
	return e, nil
}

// Header builds the EXTENDED(HEADER) entry every thread stream must start with.
func Header() Entry {
	return Entry{Tag: TagExtended, Ext: ExtHeader, ExtValue: OfflineFileVersion}
}

// Footer builds the EXTENDED(FOOTER) entry every thread stream must end with.
func Footer() Entry {
	return Entry{Tag: TagExtended, Ext: ExtFooter}
}

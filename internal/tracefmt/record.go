// Package tracefmt defines the fixed-size analysis-trace output record
// taxonomy (spec §3 "Output record") and the framed writer that brackets a
// conversion run with a header and footer (spec C6).
package tracefmt

import "encoding/binary"

// Type is one member of the output taxonomy.
type Type uint8

const (
	TypeHeader Type = iota
	TypeFooter

	TypeThread
	TypePID
	TypeThreadExit

	// Instruction fetches. Plain covers the common case; the rest let the
	// basic-block expander preserve the classification the decode oracle
	// gave the instruction (spec §4.3 step 5: "type = instruction
	// classification (plain / CTI / return / etc.)").
	TypeInstr
	TypeInstrDirectCall
	TypeInstrIndirectCall
	TypeInstrDirectJump
	TypeInstrIndirectJump
	TypeInstrConditionalJump
	TypeInstrReturn

	TypeRead
	TypeWrite

	TypePrefetchRead
	TypePrefetchWrite
	TypePrefetchInstr
	TypePrefetchNTA

	TypeDataFlush
	TypeInstrFlush
)

// IsInstrFetch reports whether t is one of the instruction-fetch variants.
func (t Type) IsInstrFetch() bool {
	return t >= TypeInstr && t <= TypeInstrReturn
}

// recordSize is the on-disk size of one output record (spec §3: "fixed
// size").
const recordSize = 16

// Record is one fixed-size output record: (type, size, addr).
type Record struct {
	Type Type
	Size uint16
	Addr uint64
}

// Marshal encodes r into a 16-byte wire record: byte 0 = type, byte 1
// reserved, bytes 2-3 = size (LE), bytes 4-7 reserved, bytes 8-15 = addr
// (LE).
func (r Record) Marshal() [recordSize]byte {
	var buf [recordSize]byte
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint16(buf[2:4], r.Size)
	binary.LittleEndian.PutUint64(buf[8:16], r.Addr)
	return buf
}

// Unmarshal decodes a 16-byte wire record, primarily for tests that verify
// a writer's output.
func Unmarshal(buf []byte) Record {
	return Record{
		Type: Type(buf[0]),
		Size: binary.LittleEndian.Uint16(buf[2:4]),
		Addr: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// TraceVersion is the value carried by the HEADER record's Addr field.
const TraceVersion = 1

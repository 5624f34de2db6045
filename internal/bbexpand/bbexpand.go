// Package bbexpand implements the basic-block expander (spec C3): it turns
// one PC record's (modidx, modoffs, instr_count) into the instruction-fetch
// and memory-reference output records for each instruction in the block,
// pulling memref payloads out of the same thread stream it was handed.
package bbexpand

import (
	"github.com/pkg/errors"

	"github.com/hoangvhh/raw2trace/internal/decodecache"
	"github.com/hoangvhh/raw2trace/internal/diag"
	"github.com/hoangvhh/raw2trace/internal/modtrace"
	"github.com/hoangvhh/raw2trace/internal/offline"
	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

// maxInstrLen bounds how many code bytes are handed to the decoder per
// lookup; the longest defined x86 instruction is 15 bytes.
const maxInstrLen = 15

// MemOp is one memory operand a decoded instruction exposes, in the order
// the block expander must consume matching memref records (spec §4.3 step
// 6: "source operand ... then each destination memory operand").
type MemOp struct {
	SizeBytes int
	Kind      tracefmt.Type // TypeRead, TypeWrite, a prefetch variant, or TypeDataFlush.
}

// Decoded is everything the expander needs out of one decoded instruction.
// It is the cached payload type for decodecache.Cache.
type Decoded struct {
	Len         int
	FetchType   tracefmt.Type
	IsCTI       bool
	IsRepString bool
	SrcMemOps   []MemOp
	DstMemOps   []MemOp
}

// Decoder is the machine-code decoder oracle the expander is built against
// (spec §1: "assumed available as an opcode-classification oracle").
// internal/instrx.Decoder is the production implementation; tests supply a
// fake so scenarios don't need hand-assembled instruction bytes.
type Decoder interface {
	Decode(code []byte, pc uint64) (Decoded, error)
}

// RecordWriter is the narrow part of tracefmt.Writer the expander needs.
type RecordWriter interface {
	WriteRecords(recs []tracefmt.Record) error
}

// State is the per-thread latches the expander must carry across PC
// records on the same stream: the L0-filter mode latch and the rep-string
// suppression latch (spec §4.3: "latch a mode flag ... for the rest of the
// stream", "suppress duplicates that immediately follow").
type State struct {
	instrsAreSeparate bool
	prevWasRepString  bool
}

// Expander is the stateless (across threads) machinery shared by every
// thread's expansion; per-thread latches live in a State the caller owns.
type Expander struct {
	Decoder     Decoder
	Cache       *decodecache.Cache[Decoded]
	Modules     *modtrace.Table
	Diag        *diag.Sink
	MaxCombined int
}

// Expand processes one PC record. handled reports whether this block owned
// a real, mapped module (false for the "not in a module" sentinel or an
// undecodable stub); the caller's demultiplexer uses that to decide how to
// treat the memrefs that follow.
func (e *Expander) Expand(pc offline.Entry, stream *offline.Stream, st *State, w RecordWriter) (handled bool, err error) {
	if pc.IsNotInModule() {
		return false, nil
	}
	mod := e.Modules.Lookup(pc.ModIdx)
	if mod.Undecodable() {
		return false, nil
	}

	instrCount := pc.InstrCount
	skipICache := false
	if instrCount == 0 {
		skipICache = true
		instrCount = 1
		st.instrsAreSeparate = true
	} else if instrCount > 1 && st.instrsAreSeparate {
		return true, errors.New("bbexpand: instr_count > 1 while instrs_are_separate is latched")
	}

	memrefEligible := !st.instrsAreSeparate || skipICache

	maxCombined := e.MaxCombined
	if maxCombined <= 0 {
		maxCombined = 64
	}
	batch := make([]tracefmt.Record, 0, maxCombined)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.WriteRecords(batch)
		batch = batch[:0]
		return err
	}

	offs := pc.ModOffs
	for i := uint32(0); i < instrCount; i++ {
		decodePC := mod.MapBase + uint64(offs)
		origPC := mod.OrigBase + uint64(offs)

		dec, ok := e.Cache.Get(decodePC)
		if !ok {
			code := mod.CodeAt(uint64(offs), maxInstrLen)
			dec, err = e.Decoder.Decode(code, decodePC)
			if err != nil {
				e.Diag.Warnf("Invalid instruction at offset 0x%x in module %q, abandoning block: %v", offs, mod.Path, err)
				return true, nil
			}
			e.Cache.Put(decodePC, dec)
		}
		offs += uint32(dec.Len)

		if dec.IsCTI && i != instrCount-1 {
			return true, errors.New("bbexpand: control-transfer instruction is not the last instruction of its block")
		}

		suppressed := dec.IsRepString && st.prevWasRepString
		st.prevWasRepString = dec.IsRepString

		if !suppressed && !skipICache {
			batch = append(batch, tracefmt.Record{Type: dec.FetchType, Size: uint16(dec.Len), Addr: origPC})
		}

		if memrefEligible && (len(dec.SrcMemOps) > 0 || len(dec.DstMemOps) > 0) {
			ops := make([]MemOp, 0, len(dec.SrcMemOps)+len(dec.DstMemOps))
			ops = append(ops, dec.SrcMemOps...)
			ops = append(ops, dec.DstMemOps...)
			for _, op := range ops {
				entry, perr := stream.Peek()
				if perr != nil {
					return true, errors.Wrap(perr, "bbexpand: reading memref")
				}
				if entry.Tag != offline.TagMemref && entry.Tag != offline.TagMemrefHigh {
					// Predicated memref omitted; leave the record for the
					// demultiplexer and stop consuming for this instruction.
					break
				}
				if _, err := stream.Next(); err != nil {
					return true, errors.Wrap(err, "bbexpand: consuming memref")
				}
				batch = append(batch, tracefmt.Record{Type: op.Kind, Size: uint16(op.SizeBytes), Addr: entry.Addr})
			}
		}

		if len(batch) >= maxCombined {
			if err := flush(); err != nil {
				return true, err
			}
		}
	}
	if err := flush(); err != nil {
		return true, err
	}
	return true, nil
}

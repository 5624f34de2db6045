// Package instrx is the decode oracle for the basic-block expander: it
// wraps golang.org/x/arch/x86/x86asm to turn raw code bytes into the
// classification the expander needs (length, control-transfer/return
// shape, rep-string collapsing, and source/destination memory operands),
// playing the role spec §1 describes as "the machine-code decoder library
// itself (assumed available as an opcode-classification oracle)".
package instrx

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hoangvhh/raw2trace/internal/bbexpand"
	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

// Decoder is the production bbexpand.Decoder, backed by x86asm.
type Decoder struct {
	// Mode is the processor mode in bits (32 or 64). Defaults to 64.
	Mode int
}

// Decode implements bbexpand.Decoder.
func (d Decoder) Decode(code []byte, pc uint64) (bbexpand.Decoded, error) {
	mode := d.Mode
	if mode == 0 {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return bbexpand.Decoded{}, errors.Wrap(err, "instrx: invalid instruction")
	}

	dec := bbexpand.Decoded{
		Len:         inst.Len,
		FetchType:   fetchType(inst),
		IsCTI:       isCTI(inst.Op),
		IsRepString: isRepString(inst),
	}
	dec.SrcMemOps, dec.DstMemOps = memOperands(inst)
	return dec, nil
}

// fetchType classifies the instruction for the INSTR_FETCH record's Type
// field (spec §4.3 step 5).
func fetchType(inst x86asm.Inst) tracefmt.Type {
	switch {
	case inst.Op == x86asm.RET:
		return tracefmt.TypeInstrReturn
	case isUnconditionalJump(inst.Op):
		if isDirectTarget(inst) {
			return tracefmt.TypeInstrDirectJump
		}
		return tracefmt.TypeInstrIndirectJump
	case isConditionalJump(inst.Op):
		return tracefmt.TypeInstrConditionalJump
	case inst.Op == x86asm.CALL:
		if isDirectTarget(inst) {
			return tracefmt.TypeInstrDirectCall
		}
		return tracefmt.TypeInstrIndirectCall
	default:
		return tracefmt.TypeInstr
	}
}

func isDirectTarget(inst x86asm.Inst) bool {
	if inst.Args[0] == nil {
		return false
	}
	_, direct := inst.Args[0].(x86asm.Rel)
	return direct
}

func isUnconditionalJump(op x86asm.Op) bool { return op == x86asm.JMP }

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// isCTI reports whether op is any control-transfer instruction; a block may
// contain one of these only as its final instruction (spec §4.3 step 3).
func isCTI(op x86asm.Op) bool {
	if op == x86asm.RET || op == x86asm.CALL || isUnconditionalJump(op) || isConditionalJump(op) {
		return true
	}
	switch op {
	case x86asm.INT, x86asm.INTO, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	}
	return false
}

// repStringOps are the x86 string primitives the rep/repne prefix turns
// into a hardware loop (spec §4.3 step 4, GLOSSARY "Rep-string").
var repStringOps = map[x86asm.Op]bool{
	x86asm.INSB: true, x86asm.INSW: true, x86asm.INSD: true,
	x86asm.OUTSB: true, x86asm.OUTSW: true, x86asm.OUTSD: true,
	x86asm.MOVSB: true, x86asm.MOVSW: true, x86asm.MOVSD: true, x86asm.MOVSQ: true,
	x86asm.STOSB: true, x86asm.STOSW: true, x86asm.STOSD: true, x86asm.STOSQ: true,
	x86asm.LODSB: true, x86asm.LODSW: true, x86asm.LODSD: true, x86asm.LODSQ: true,
	x86asm.CMPSB: true, x86asm.CMPSW: true, x86asm.CMPSD: true, x86asm.CMPSQ: true,
	x86asm.SCASB: true, x86asm.SCASW: true, x86asm.SCASD: true, x86asm.SCASQ: true,
}

func isRepString(inst x86asm.Inst) bool {
	if !repStringOps[inst.Op] {
		return false
	}
	for _, p := range inst.Prefix {
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored) {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}
	}
	return false
}

// memOperands derives the source and destination memory operands of inst,
// in operand order, for spec §4.3 step 6's interleaving with the memref
// stream. Implicit-operand string instructions are classified from a fixed
// table rather than from the Mem Args x86asm gives them, since their read
// and write roles do not follow the Args[0]-is-destination rule below;
// every other instruction is classified from its explicit ModRM operand(s),
// using the Intel-order convention that Args[0] is the destination unless
// the opcode is a pure comparison.
func memOperands(inst x86asm.Inst) (src, dst []bbexpand.MemOp) {
	// LEA's memory-shaped argument is an address computation, never an
	// actual access: no memref for it exists in the real trace.
	if inst.Op == x86asm.LEA {
		return nil, nil
	}

	if sz, isSrcOnly, ok := repStringMemShape(inst.Op); ok {
		if isSrcOnly {
			switch inst.Op {
			case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
				return []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeRead}, {SizeBytes: sz, Kind: tracefmt.TypeRead}}, nil
			}
			return []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeRead}}, nil
		}
		switch inst.Op {
		case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
			return []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeRead}},
				[]bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeWrite}}
		case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
			return nil, []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeWrite}}
		case x86asm.INSB, x86asm.INSW, x86asm.INSD:
			return nil, []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeWrite}}
		case x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
			return []bbexpand.MemOp{{SizeBytes: sz, Kind: tracefmt.TypeRead}}, nil
		}
	}

	readOnly := isCompareOp(inst.Op)
	prefetchKind, isPrefetch := prefetchKindOf(inst.Op)
	isFlush := isFlushOp(inst.Op)

	for i, a := range inst.Args {
		m, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		sz := memSizeBytes(inst, m)
		switch {
		case isPrefetch:
			dst = nil
			src = append(src, bbexpand.MemOp{SizeBytes: 1, Kind: prefetchKind})
		case isFlush:
			src = append(src, bbexpand.MemOp{SizeBytes: sz, Kind: tracefmt.TypeDataFlush})
		case i == 0 && !readOnly:
			dst = append(dst, bbexpand.MemOp{SizeBytes: sz, Kind: tracefmt.TypeWrite})
		default:
			src = append(src, bbexpand.MemOp{SizeBytes: sz, Kind: tracefmt.TypeRead})
		}
	}
	return src, dst
}

// repStringMemShape reports the per-iteration operand size for a rep-string
// opcode and whether it only ever reads memory (LODS loads one operand,
// CMPS compares two memory operands, SCAS compares a register against one;
// none of them writes).
func repStringMemShape(op x86asm.Op) (sizeBytes int, srcOnly bool, ok bool) {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.CMPSB, x86asm.SCASB, x86asm.INSB, x86asm.OUTSB:
		sizeBytes = 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.CMPSW, x86asm.SCASW, x86asm.INSW, x86asm.OUTSW:
		sizeBytes = 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD, x86asm.CMPSD, x86asm.SCASD, x86asm.INSD, x86asm.OUTSD:
		sizeBytes = 4
	case x86asm.MOVSQ, x86asm.STOSQ, x86asm.LODSQ, x86asm.CMPSQ, x86asm.SCASQ:
		sizeBytes = 8
	default:
		return 0, false, false
	}
	switch op {
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		srcOnly = true
	}
	return sizeBytes, srcOnly, true
}

func isCompareOp(op x86asm.Op) bool {
	return op == x86asm.CMP || op == x86asm.TEST
}

func isFlushOp(op x86asm.Op) bool {
	return op == x86asm.CLFLUSH
}

var prefetchKinds = map[x86asm.Op]tracefmt.Type{
	x86asm.PREFETCHNTA: tracefmt.TypePrefetchNTA,
	x86asm.PREFETCHT0:  tracefmt.TypePrefetchRead,
	x86asm.PREFETCHT1:  tracefmt.TypePrefetchRead,
	x86asm.PREFETCHT2:  tracefmt.TypePrefetchRead,
	x86asm.PREFETCHW:   tracefmt.TypePrefetchWrite,
}

func prefetchKindOf(op x86asm.Op) (tracefmt.Type, bool) {
	k, ok := prefetchKinds[op]
	return k, ok
}

// memSizeBytes derives the operand width in bytes for a memory argument.
// The caller overrides it to 1 for prefetches (spec §4.3 step 6); flushes
// keep this width.
func memSizeBytes(inst x86asm.Inst, _ x86asm.Mem) int {
	if inst.MemBytes > 0 {
		return inst.MemBytes
	}
	return inst.DataSize / 8
}

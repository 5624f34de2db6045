package instrx

import (
	"testing"

	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

func TestDecodeRet(t *testing.T) {
	d := Decoder{}
	dec, err := d.Decode([]byte{0xc3}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len != 1 {
		t.Errorf("Len = %d, want 1", dec.Len)
	}
	if dec.FetchType != tracefmt.TypeInstrReturn {
		t.Errorf("FetchType = %v, want TypeInstrReturn", dec.FetchType)
	}
	if !dec.IsCTI {
		t.Error("expected RET to be a control-transfer instruction")
	}
}

func TestDecodeNop(t *testing.T) {
	d := Decoder{}
	dec, err := d.Decode([]byte{0x90}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len != 1 {
		t.Errorf("Len = %d, want 1", dec.Len)
	}
	if dec.FetchType != tracefmt.TypeInstr {
		t.Errorf("FetchType = %v, want TypeInstr", dec.FetchType)
	}
	if dec.IsCTI {
		t.Error("NOP should not be a control-transfer instruction")
	}
}

func TestDecodeDirectCallIsCTIWithDirectFetchType(t *testing.T) {
	d := Decoder{}
	// E8 rel32: CALL near, relative, direct target.
	dec, err := d.Decode([]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len != 5 {
		t.Errorf("Len = %d, want 5", dec.Len)
	}
	if dec.FetchType != tracefmt.TypeInstrDirectCall {
		t.Errorf("FetchType = %v, want TypeInstrDirectCall", dec.FetchType)
	}
	if !dec.IsCTI {
		t.Error("expected CALL to be a control-transfer instruction")
	}
}

func TestDecodeShortJumpIsDirectJump(t *testing.T) {
	d := Decoder{}
	// EB rel8: JMP short, relative, direct target.
	dec, err := d.Decode([]byte{0xeb, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len != 2 {
		t.Errorf("Len = %d, want 2", dec.Len)
	}
	if dec.FetchType != tracefmt.TypeInstrDirectJump {
		t.Errorf("FetchType = %v, want TypeInstrDirectJump", dec.FetchType)
	}
	if !dec.IsCTI {
		t.Error("expected JMP to be a control-transfer instruction")
	}
}

func TestDecodeMovLoadHasSourceMemOp(t *testing.T) {
	d := Decoder{}
	// 8B 00: MOV EAX, [RAX] -- memory is the source.
	dec, err := d.Decode([]byte{0x8b, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec.SrcMemOps) != 1 || dec.SrcMemOps[0].Kind != tracefmt.TypeRead {
		t.Errorf("SrcMemOps = %+v, want one TypeRead", dec.SrcMemOps)
	}
	if len(dec.DstMemOps) != 0 {
		t.Errorf("DstMemOps = %+v, want none", dec.DstMemOps)
	}
}

func TestDecodeMovStoreHasDestMemOp(t *testing.T) {
	d := Decoder{}
	// 89 00: MOV [RAX], EAX -- memory is the destination.
	dec, err := d.Decode([]byte{0x89, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec.DstMemOps) != 1 || dec.DstMemOps[0].Kind != tracefmt.TypeWrite {
		t.Errorf("DstMemOps = %+v, want one TypeWrite", dec.DstMemOps)
	}
	if len(dec.SrcMemOps) != 0 {
		t.Errorf("SrcMemOps = %+v, want none", dec.SrcMemOps)
	}
}

func TestDecodeCompareWithMemoryIsReadOnly(t *testing.T) {
	d := Decoder{}
	// 39 00: CMP [RAX], EAX -- a compare never writes its memory operand.
	dec, err := d.Decode([]byte{0x39, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec.DstMemOps) != 0 {
		t.Errorf("DstMemOps = %+v, want none for a compare", dec.DstMemOps)
	}
	if len(dec.SrcMemOps) != 1 || dec.SrcMemOps[0].Kind != tracefmt.TypeRead {
		t.Errorf("SrcMemOps = %+v, want one TypeRead", dec.SrcMemOps)
	}
}

func TestDecodeLeaProducesNoMemOps(t *testing.T) {
	d := Decoder{}
	// 8D 00: LEA EAX, [RAX] -- an address computation, not a memory access.
	dec, err := d.Decode([]byte{0x8d, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec.SrcMemOps) != 0 {
		t.Errorf("SrcMemOps = %+v, want none for LEA", dec.SrcMemOps)
	}
	if len(dec.DstMemOps) != 0 {
		t.Errorf("DstMemOps = %+v, want none for LEA", dec.DstMemOps)
	}
}

func TestDecodeRepMovsIsRepString(t *testing.T) {
	d := Decoder{}
	// F3 A4: REP MOVSB.
	dec, err := d.Decode([]byte{0xf3, 0xa4}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !dec.IsRepString {
		t.Error("expected REP MOVSB to be classified as a rep-string instruction")
	}
	if len(dec.SrcMemOps) != 1 || len(dec.DstMemOps) != 1 {
		t.Errorf("got src=%+v dst=%+v, want one read + one write", dec.SrcMemOps, dec.DstMemOps)
	}
}

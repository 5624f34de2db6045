package tracefmt

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	r := Record{Type: TypeInstrDirectCall, Size: 5, Addr: 0x401000}
	buf := r.Marshal()
	got := Unmarshal(buf[:])
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}

func TestIsInstrFetch(t *testing.T) {
	for _, typ := range []Type{TypeInstr, TypeInstrDirectCall, TypeInstrIndirectCall, TypeInstrDirectJump, TypeInstrIndirectJump, TypeInstrConditionalJump, TypeInstrReturn} {
		if !typ.IsInstrFetch() {
			t.Errorf("Type %d should be an instruction fetch", typ)
		}
	}
	for _, typ := range []Type{TypeHeader, TypeFooter, TypeRead, TypeWrite, TypeThread, TypeDataFlush} {
		if typ.IsInstrFetch() {
			t.Errorf("Type %d should not be an instruction fetch", typ)
		}
	}
}

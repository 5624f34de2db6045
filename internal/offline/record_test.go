package offline

import "testing"

func TestMarshalUnmarshalPC(t *testing.T) {
	e := Entry{Tag: TagPC, ModIdx: 7, ModOffs: 0x1234, InstrCount: 3}
	buf := e.Marshal()
	got, err := Unmarshal(buf[:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestMarshalUnmarshalEachTag(t *testing.T) {
	cases := []Entry{
		{Tag: TagThread, TID: 42},
		{Tag: TagPID, PID: 7},
		{Tag: TagTimestamp, USec: 100},
		{Tag: TagMemref, Addr: 0xdeadbeef},
		{Tag: TagMemrefHigh, Addr: 0xcafebabe},
		{Tag: TagIflush, Addr: 0x1000},
		Header(),
		Footer(),
	}
	for _, e := range cases {
		buf := e.Marshal()
		got, err := Unmarshal(buf[:])
		if err != nil {
			t.Fatalf("unmarshal %+v: %v", e, err)
		}
		if got != e {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
		}
	}
}

func TestUnmarshalWrongSize(t *testing.T) {
	if _, err := Unmarshal(make([]byte, 8)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestIsNotInModule(t *testing.T) {
	if !(Entry{Tag: TagPC}.IsNotInModule()) {
		t.Fatal("zero modidx/modoffs PC entry should be the not-in-module sentinel")
	}
	if (Entry{Tag: TagPC, ModIdx: 1}.IsNotInModule()) {
		t.Fatal("nonzero modidx must not be the sentinel")
	}
}

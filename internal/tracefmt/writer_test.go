package tracefmt

import (
	"bytes"
	"testing"
)

func readAll(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	b := buf.Bytes()
	for len(b) >= recordSize {
		out = append(out, Unmarshal(b[:recordSize]))
		b = b[recordSize:]
	}
	return out
}

func TestWriterHeaderFooterBracketing(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteRecords([]Record{{Type: TypeThread, Addr: 42}}); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	if err := w.WriteFooter(); err != nil {
		t.Fatalf("WriteFooter: %v", err)
	}

	got := readAll(t, &buf)
	want := []Record{
		{Type: TypeHeader, Addr: TraceVersion},
		{Type: TypeThread, Addr: 42},
		{Type: TypeFooter},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriterRejectsDoubleHeader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteHeader(); err == nil {
		t.Fatal("expected error on second WriteHeader")
	}
}

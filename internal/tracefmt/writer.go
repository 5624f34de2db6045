package tracefmt

import (
	"io"

	"github.com/pkg/errors"
)

// Writer is the sequential, checked writer of fixed-size output records
// that brackets a run with a single HEADER and a single FOOTER (spec C6).
// It adds no buffering semantics beyond the underlying io.Writer.
type Writer struct {
	w io.Writer

	wroteHeader bool
	wroteFooter bool
}

// NewWriter wraps w as an output-record stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the single leading HEADER record. Must be called
// exactly once, before any other write.
func (w *Writer) WriteHeader() error {
	if w.wroteHeader {
		return errors.New("tracefmt: header already written")
	}
	w.wroteHeader = true
	return w.writeOne(Record{Type: TypeHeader, Size: 0, Addr: TraceVersion})
}

// WriteFooter writes the single trailing FOOTER record. Must be called
// exactly once, after every other write.
func (w *Writer) WriteFooter() error {
	if w.wroteFooter {
		return errors.New("tracefmt: footer already written")
	}
	w.wroteFooter = true
	return w.writeOne(Record{Type: TypeFooter, Size: 0, Addr: 0})
}

// WriteRecords flushes a batch of records (the block expander's staged
// fetch and memref records, or a single marker record) in one call, matching the scratch-
// buffer-then-flush discipline of spec §4.3.
func (w *Writer) WriteRecords(recs []Record) error {
	for _, r := range recs {
		if err := w.writeOne(r); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeOne(r Record) error {
	buf := r.Marshal()
	n, err := w.w.Write(buf[:])
	if err != nil {
		return errors.Wrap(err, "tracefmt: failed to write to output file")
	}
	if n != len(buf) {
		return errors.New("tracefmt: failed to write to output file: short write")
	}
	return nil
}

package offline

import (
	"io"

	"github.com/pkg/errors"
)

// Stream is a per-thread offline record reader with a one-record lookahead
// buffer. It replaces the original tool's backward seek for the
// predicated-memref case with the "peek, consume-on-match" contract called
// for in spec §9: PushBack stores an already-read entry so the next Next()
// returns it again instead of reading from r.
type Stream struct {
	r    io.Reader
	tid  string // for diagnostics only
	peek *Entry

	truncated bool
	atEOF     bool
}

// NewStream wraps r as a thread record stream. tid is used only in
// diagnostic messages (the real thread id isn't known until the first
// TagThread record is read).
func NewStream(r io.Reader, tid string) *Stream {
	return &Stream{r: r, tid: tid}
}

// Truncated reports whether the most recently returned Footer was
// synthesized because the underlying stream ran out mid-record or without
// an explicit footer, rather than read from the wire.
func (s *Stream) Truncated() bool { return s.truncated }

// AtEOF reports whether the underlying reader has been exhausted.
func (s *Stream) AtEOF() bool { return s.atEOF && s.peek == nil }

// PushBack returns e to the front of the stream; the next call to Next or
// Peek will return it again. Only one entry may be buffered at a time.
func (s *Stream) PushBack(e Entry) {
	if s.peek != nil {
		panic("offline: PushBack with a pending lookahead entry")
	}
	cp := e
	s.peek = &cp
}

// Peek returns the next entry without consuming it.
func (s *Stream) Peek() (Entry, error) {
	if s.peek == nil {
		e, err := s.next()
		if err != nil {
			return Entry{}, err
		}
		s.peek = &e
	}
	return *s.peek, nil
}

// Next returns the next entry, consuming it.
func (s *Stream) Next() (Entry, error) {
	if s.peek != nil {
		e := *s.peek
		s.peek = nil
		return e, nil
	}
	return s.next()
}

// next performs the actual read, applying truncation tolerance: a short
// read that leaves the stream at EOF synthesizes a FOOTER record rather
// than failing (spec §7). Any other read failure is fatal.
func (s *Stream) next() (Entry, error) {
	s.truncated = false
	var buf [recordSize]byte
	n, err := io.ReadFull(s.r, buf[:])
	if err != nil {
		if (err == io.EOF || err == io.ErrUnexpectedEOF) && n < recordSize {
			s.atEOF = true
			s.truncated = true
			return Footer(), nil
		}
		return Entry{}, errors.Wrapf(err, "offline: failed to read from stream for thread %s", s.tid)
	}
	return Unmarshal(buf[:])
}

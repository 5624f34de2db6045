// Package threadmux implements the per-thread demultiplexer (spec C4): it
// classifies each incoming offline record by tag and either drives the
// basic-block expander or emits the matching output marker.
package threadmux

import (
	"io"

	"github.com/pkg/errors"

	"github.com/hoangvhh/raw2trace/internal/bbexpand"
	"github.com/hoangvhh/raw2trace/internal/diag"
	"github.com/hoangvhh/raw2trace/internal/offline"
	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

// Reselect is returned by Step to tell the driver (C5) that this thread has
// nothing more to contribute right now: either it just learned a fresh
// pending timestamp, or it just hit its footer.
type Reselect int

const (
	// ReselectNone means the thread can be driven again immediately.
	ReselectNone Reselect = iota
	// ReselectTimestamp means a TIMESTAMP record was read and stored.
	ReselectTimestamp
	// ReselectDone means the thread reached EXTENDED(FOOTER).
	ReselectDone
)

// Thread is the per-thread state the demultiplexer owns: the stream
// cursor, the learned thread id, the pending timestamp, and the block
// expander's latches plus whether the most recently dispatched PC record
// was handled (a real, mapped module) — which governs how a following bare
// MEMREF is treated.
type Thread struct {
	Stream *offline.Stream
	TID    uint64

	tidKnown     bool
	lastHandled  bool
	exStream     bbexpand.State
	PendingUsec  uint64
	Done         bool
}

// TIDKnown reports whether this thread's id has been learned from a
// THREAD-tag record yet. The merge driver (C5) uses this to decide whether
// reselecting this thread must re-announce its id first.
func (t *Thread) TIDKnown() bool { return t.tidKnown }

// NewThread opens one per-thread raw record stream and validates its
// leading EXTENDED(HEADER) record, the check the original tool performs
// once per thread file before handing it to the merge loop.
func NewThread(r io.Reader, name string) (*Thread, error) {
	s := offline.NewStream(r, name)
	e, err := s.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "threadmux: reading header for %s", name)
	}
	if e.Tag != offline.TagExtended || e.Ext != offline.ExtHeader {
		return nil, errors.Errorf("threadmux: %s does not start with EXTENDED(HEADER)", name)
	}
	if e.ExtValue != offline.OfflineFileVersion {
		return nil, errors.Errorf("threadmux: %s has unsupported offline file version %d", name, e.ExtValue)
	}
	return &Thread{Stream: s}, nil
}

// Demux drives one Thread's records against the expander and a writer.
type Demux struct {
	Expander *bbexpand.Expander
	Diag     *diag.Sink
}

// Step reads and dispatches exactly one offline record for t, writing any
// resulting output records to w. It returns the reselection signal the
// merger (C5) needs to decide whether to keep driving this thread.
func (d *Demux) Step(t *Thread, w bbexpand.RecordWriter) (Reselect, error) {
	e, err := t.Stream.Next()
	if err != nil {
		return ReselectNone, err
	}

	switch e.Tag {
	case offline.TagExtended:
		switch e.Ext {
		case offline.ExtFooter:
			if t.Stream.Truncated() {
				d.Diag.Warnf("Thread %d stream ended without a footer, treating as truncated", t.TID)
			} else if !t.Stream.AtEOF() {
				// Peek() itself synthesizes a truncated footer once the
				// underlying reader is genuinely exhausted, so a nil error
				// alone can't tell "nothing follows" from "real data
				// follows". Truncated() after the peek can: it's only set
				// when Peek had to synthesize that footer.
				if _, err := t.Stream.Peek(); err != nil {
					return ReselectNone, err
				} else if !t.Stream.Truncated() {
					return ReselectNone, errors.New("threadmux: data follows EXTENDED(FOOTER)")
				}
			}
			t.Done = true
			return ReselectDone, w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypeThreadExit, Addr: t.TID}})
		default:
			return ReselectNone, errors.Errorf("threadmux: invalid extension %d", e.Ext)
		}

	case offline.TagTimestamp:
		t.PendingUsec = e.USec
		return ReselectTimestamp, nil

	case offline.TagPC:
		handled, err := d.Expander.Expand(e, t.Stream, &t.exStream, w)
		t.lastHandled = handled
		return ReselectNone, err

	case offline.TagMemref, offline.TagMemrefHigh:
		if t.lastHandled {
			return ReselectNone, errors.New("threadmux: memref record found outside any block")
		}
		return ReselectNone, w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypeRead, Size: 1, Addr: e.Addr}})

	case offline.TagThread:
		if !t.tidKnown {
			t.TID = e.TID
			t.tidKnown = true
		}
		return ReselectNone, w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypeThread, Addr: e.TID}})

	case offline.TagPID:
		return ReselectNone, w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypePID, Addr: e.PID}})

	case offline.TagIflush:
		start := e.Addr
		next, err := t.Stream.Next()
		if err != nil {
			return ReselectNone, err
		}
		if next.Tag != offline.TagIflush {
			return ReselectNone, errors.New("threadmux: IFLUSH not followed by its matching record")
		}
		end := next.Addr
		return ReselectNone, w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypeInstrFlush, Addr: start, Size: uint16(end - start)}})

	default:
		return ReselectNone, errors.Errorf("threadmux: unknown trace type %d", e.Tag)
	}
}

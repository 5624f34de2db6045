// Package merge implements the k-way timestamp merger (spec C5): it
// advances every thread stream far enough to learn its next pending
// timestamp, picks the smallest, and lets the per-thread demultiplexer
// drive that thread until it needs reselecting.
package merge

import (
	"github.com/pkg/errors"

	"github.com/hoangvhh/raw2trace/internal/bbexpand"
	"github.com/hoangvhh/raw2trace/internal/threadmux"
	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

// Driver runs the main merge loop over a fixed set of threads.
type Driver struct {
	Demux *threadmux.Demux
}

// Run drives threads to completion, writing every output record to w. It
// returns once every thread has reached its footer.
func (d *Driver) Run(threads []*threadmux.Thread, w bbexpand.RecordWriter) error {
	live := len(threads)
	last := -1 // index of the most recently driven thread
	for live > 0 {
		for i, t := range threads {
			if t.Done || t.PendingUsec != 0 {
				continue
			}
			if last != i {
				if err := announceIfKnown(t, w); err != nil {
					return errors.Wrapf(err, "merge: thread %d", i)
				}
			}
			last = i
			r, err := driveUntilReselect(d.Demux, t, w)
			if err != nil {
				return errors.Wrapf(err, "merge: thread %d", i)
			}
			if r == threadmux.ReselectDone {
				live--
			}
		}

		chosen := -1
		for i, t := range threads {
			if t.Done || t.PendingUsec == 0 {
				continue
			}
			if chosen == -1 || t.PendingUsec < threads[chosen].PendingUsec {
				chosen = i
			}
		}
		if chosen == -1 {
			break
		}

		threads[chosen].PendingUsec = 0
		if last != chosen {
			if err := announceIfKnown(threads[chosen], w); err != nil {
				return errors.Wrapf(err, "merge: thread %d", chosen)
			}
		}
		last = chosen
		r, err := driveUntilReselect(d.Demux, threads[chosen], w)
		if err != nil {
			return errors.Wrapf(err, "merge: thread %d", chosen)
		}
		if r == threadmux.ReselectDone {
			live--
		}
	}
	return nil
}

// announceIfKnown re-emits t's thread-id marker, if its id has already been
// learned (spec §4.5: "If that thread's id has been learned, emit a
// thread-id marker before any of its data records"). Run calls it only when
// the driver switches to t from a different thread; a thread driven again
// right after itself is not re-announced. A thread whose id is still
// unknown gets no marker here; threadmux.Step emits one itself once the
// thread's own THREAD-tag record is read.
func announceIfKnown(t *threadmux.Thread, w bbexpand.RecordWriter) error {
	if !t.TIDKnown() {
		return nil
	}
	return w.WriteRecords([]tracefmt.Record{{Type: tracefmt.TypeThread, Addr: t.TID}})
}

// driveUntilReselect steps t until the demultiplexer signals it needs
// reselecting (a fresh timestamp, or completion), matching spec §4.5:
// "drive C4 repeatedly on that thread until C4 requests reselection".
func driveUntilReselect(dm *threadmux.Demux, t *threadmux.Thread, w bbexpand.RecordWriter) (threadmux.Reselect, error) {
	for {
		r, err := dm.Step(t, w)
		if err != nil {
			return r, err
		}
		if r != threadmux.ReselectNone {
			return r, nil
		}
	}
}

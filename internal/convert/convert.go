// Package convert wires the module loader, decode cache, basic-block
// expander, per-thread demultiplexer, merger, and output writer into the
// single entry point an analysis-trace conversion run calls — the
// equivalent of the original tool's raw2trace_t.
package convert

import (
	"io"

	"github.com/pkg/errors"

	"github.com/hoangvhh/raw2trace/internal/bbexpand"
	"github.com/hoangvhh/raw2trace/internal/decodecache"
	"github.com/hoangvhh/raw2trace/internal/diag"
	"github.com/hoangvhh/raw2trace/internal/instrx"
	"github.com/hoangvhh/raw2trace/internal/merge"
	"github.com/hoangvhh/raw2trace/internal/modtrace"
	"github.com/hoangvhh/raw2trace/internal/threadmux"
	"github.com/hoangvhh/raw2trace/internal/tracefmt"
)

// ThreadInput names one per-thread raw record stream; Name is used only in
// diagnostic messages, since the real thread id is learned from the stream
// itself.
type ThreadInput struct {
	Name string
	R    io.Reader
}

// Options holds every converter knob, JSON-tagged so a batch-conversion
// driver can load it from a config file.
type Options struct {
	Verbosity          int             `json:"verbosity"`
	MaxCombinedEntries int             `json:"max_combined_entries"`
	Hooks              modtrace.Hooks  `json:"-"`
	LogWriter          io.Writer       `json:"-"`
}

// Option configures a Converter.
type Option func(*Options)

// WithVerbosity sets the diagnostic sink's verbosity level (0-4).
func WithVerbosity(v int) Option { return func(o *Options) { o.Verbosity = v } }

// WithLogger sets where diagnostics are written; defaults to os.Stderr.
func WithLogger(w io.Writer) Option { return func(o *Options) { o.LogWriter = w } }

// WithHooks installs the optional custom-module-data callbacks, replacing
// the three process-wide function pointers the original tool installs
// once and leaves in place (spec §9's re-architecture note).
func WithHooks(h modtrace.Hooks) Option { return func(o *Options) { o.Hooks = h } }

// WithMaxCombinedEntries overrides the block expander's scratch-buffer flush
// bound. Marker records from the demultiplexer and merger are written one
// call at a time and do not use it.
func WithMaxCombinedEntries(n int) Option {
	return func(o *Options) { o.MaxCombinedEntries = n }
}

// Converter holds everything one conversion run needs.
type Converter struct {
	modmap  []byte
	threads []ThreadInput
	out     io.Writer
	opts    Options
}

// NewConverter builds a Converter for one run: modmap is the raw module-map
// blob, threads is every per-thread raw record stream to merge, out is the
// destination for the analysis trace.
func NewConverter(modmap []byte, threads []ThreadInput, out io.Writer, opts ...Option) *Converter {
	o := Options{MaxCombinedEntries: 64}
	for _, fn := range opts {
		fn(&o)
	}
	return &Converter{modmap: modmap, threads: threads, out: out, opts: o}
}

// Convert runs one full conversion: load modules, bracket the output with
// header/footer, merge every thread stream, and tear down regardless of
// how it ends.
func (c *Converter) Convert() error {
	sink := diag.New(c.opts.LogWriter, c.opts.Verbosity)

	table, err := modtrace.Load(c.modmap, c.opts.Hooks, sink)
	if err != nil {
		return errors.Wrap(err, "convert: loading module map")
	}
	defer table.Unload()

	cache := decodecache.New[bbexpand.Decoded](nil)
	defer cache.Close()

	expander := &bbexpand.Expander{
		Decoder:     instrx.Decoder{},
		Cache:       cache,
		Modules:     table,
		Diag:        sink,
		MaxCombined: c.opts.MaxCombinedEntries,
	}
	demux := &threadmux.Demux{Expander: expander, Diag: sink}

	w := tracefmt.NewWriter(c.out)
	if err := w.WriteHeader(); err != nil {
		return errors.Wrap(err, "convert: writing header")
	}

	threads := make([]*threadmux.Thread, len(c.threads))
	for i, ti := range c.threads {
		th, err := threadmux.NewThread(ti.R, ti.Name)
		if err != nil {
			return errors.Wrapf(err, "convert: opening thread stream %s", ti.Name)
		}
		threads[i] = th
	}

	driver := &merge.Driver{Demux: demux}
	if err := driver.Run(threads, w); err != nil {
		return errors.Wrap(err, "convert: merging thread streams")
	}

	if err := w.WriteFooter(); err != nil {
		return errors.Wrap(err, "convert: writing footer")
	}
	return nil
}

// Package diag provides the converter's leveled diagnostic sink.
//
// Verbosity is modeled the way raw2trace.cpp's VPRINT/WARN macros are:
// level 0 is always emitted (fatal-adjacent warnings), levels 1-4 are
// progressively more chatty and gated by the configured verbosity.
package diag

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Sink is the converter's diagnostic output. It is safe for concurrent use,
// though the converter itself never calls it concurrently.
type Sink struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	verbosity int
	warnedOnce map[string]bool
}

// New builds a Sink writing to w (os.Stderr if w is nil) at the given
// verbosity (0-4, matching VPRINT levels in the original tool).
func New(w io.Writer, verbosity int) *Sink {
	if w == nil {
		w = os.Stderr
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).With().Timestamp().Logger()
	return &Sink{logger: logger, verbosity: verbosity, warnedOnce: make(map[string]bool)}
}

// Verbosity returns the configured verbosity level.
func (s *Sink) Verbosity() int { return s.verbosity }

// Warnf always emits, matching the unconditional WARN macro.
func (s *Sink) Warnf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Warn().Msgf(format, args...)
}

// WarnOnce emits a WARN only the first time it is called with a given key,
// matching raw2trace.cpp's "static bool warned_once" pattern for the legacy
// module-data-format warning.
func (s *Sink) WarnOnce(key, format string, args ...any) {
	s.mu.Lock()
	already := s.warnedOnce[key]
	s.warnedOnce[key] = true
	s.mu.Unlock()
	if !already {
		s.Warnf(format, args...)
	}
}

// VPrintf emits at the given verbosity level (1-4), gated by the sink's
// configured verbosity, mirroring the VPRINT(level, ...) macro.
func (s *Sink) VPrintf(level int, format string, args ...any) {
	if s.verbosity < level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev *zerolog.Event
	switch {
	case level <= 1:
		ev = s.logger.Info()
	case level == 2:
		ev = s.logger.Debug()
	default:
		ev = s.logger.Trace()
	}
	ev.Msgf(format, args...)
}

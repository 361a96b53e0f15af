package monitoring

import (
	"io"
	"log"
	"strings"
	"sync/atomic"
)

// Level selects which streams a CLI enables.
type Level int

const (
	LevelOps Level = iota
	LevelDiag
	LevelTrace
)

// ParseLevel maps "ops", "diag" or "trace" to a Level. Unknown names
// select ops.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "diag":
		return LevelDiag
	case "trace":
		return LevelTrace
	default:
		return LevelOps
	}
}

// Writers returns the ops, diag and trace writers for a level; streams
// above the level get nil.
func (l Level) Writers(w io.Writer) (ops, diag, trace io.Writer) {
	ops = w
	if l >= LevelDiag {
		diag = w
	}
	if l >= LevelTrace {
		trace = w
	}
	return ops, diag, trace
}

type loggers struct {
	ops, diag, trace *log.Logger
}

// Streams is a set of three loggers sharing a prefix:
//   - ops: actionable warnings, errors and run lifecycle
//   - diag: per-checkpoint diagnostics
//   - trace: per-iteration telemetry
//
// A nil writer disables that stream. Streams is safe for concurrent use
// and may be reconfigured at any time.
type Streams struct {
	prefix string
	cur    atomic.Pointer[loggers]
}

// NewStreams returns Streams with the given prefix, initially writing ops
// to the standard logger's output and nothing else.
func NewStreams(prefix string) *Streams {
	s := &Streams{prefix: prefix}
	s.SetWriters(log.Writer(), nil, nil)
	return s
}

// SetWriters configures the three streams. Pass nil to disable one.
func (s *Streams) SetWriters(ops, diag, trace io.Writer) {
	s.cur.Store(&loggers{
		ops:   newLogger(s.prefix, ops),
		diag:  newLogger(s.prefix, diag),
		trace: newLogger(s.prefix, trace),
	})
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	if l := s.cur.Load().ops; l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	if l := s.cur.Load().diag; l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	if l := s.cur.Load().trace; l != nil {
		l.Printf(format, args...)
	}
}

// TraceEnabled reports whether the trace stream is on, so callers can skip
// building expensive messages.
func (s *Streams) TraceEnabled() bool { return s.cur.Load().trace != nil }

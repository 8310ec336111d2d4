package registration

import (
	"io"
	"log"
	"sync/atomic"
)

// LogWriters routes the registration log streams. A nil writer silences
// its stream.
//
//	Ops:   visualizer failures and other conditions an operator acts on
//	Diag:  configuration, reference and visualizer changes
//	Trace: one line per RegisterCloud call
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// VerboseLogWriters sends ops to w and, when verbose, diag and trace too.
func VerboseLogWriters(w io.Writer, verbose bool) LogWriters {
	lw := LogWriters{Ops: w}
	if verbose {
		lw.Diag, lw.Trace = w, w
	}
	return lw
}

type stream int

const (
	opsStream stream = iota
	diagStream
	traceStream
	numStreams
)

var streamPrefix = [numStreams]string{
	opsStream:   "[registration] ",
	diagStream:  "[registration/diag] ",
	traceStream: "[registration/trace] ",
}

var loggers [numStreams]atomic.Pointer[log.Logger]

// SetLogWriters replaces all three streams. Safe to call while
// registrations are running.
func SetLogWriters(w LogWriters) {
	for s, out := range [numStreams]io.Writer{w.Ops, w.Diag, w.Trace} {
		if out == nil {
			loggers[s].Store(nil)
			continue
		}
		loggers[s].Store(log.New(out, streamPrefix[s], log.LstdFlags|log.Lmicroseconds))
	}
}

func (s stream) printf(format string, args ...interface{}) {
	if l := loggers[s].Load(); l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) { opsStream.printf(format, args...) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) { diagStream.printf(format, args...) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) { traceStream.printf(format, args...) }

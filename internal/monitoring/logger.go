// Package monitoring routes the printf-style diagnostics of the pipeline
// layers to three streams: ops (actionable warnings, faults, dropped data),
// diag (day-to-day tuning context) and trace (per-frame telemetry).
package monitoring

import (
	"io"
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var (
	opsStream   atomic.Pointer[logFunc]
	diagStream  atomic.Pointer[logFunc]
	traceStream atomic.Pointer[logFunc]
)

func init() {
	SetLogWriters(log.Writer(), nil, nil)
}

// SetLogWriters configures the three streams. Pass nil for any writer to
// disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	store(&opsStream, writerFunc(ops))
	store(&diagStream, writerFunc(diag))
	store(&traceStream, writerFunc(trace))
}

// SetLogger sends the ops and diag streams to f and disables trace.
// Passing nil mutes everything.
func SetLogger(f func(format string, v ...interface{})) {
	store(&opsStream, f)
	store(&diagStream, f)
	store(&traceStream, nil)
}

// SetOpsLogger replaces the ops stream alone.
func SetOpsLogger(f func(format string, v ...interface{})) {
	store(&opsStream, f)
}

// SetTraceLogger enables or, with nil, disables the trace stream alone.
func SetTraceLogger(f func(format string, v ...interface{})) {
	store(&traceStream, f)
}

func writerFunc(w io.Writer) func(string, ...interface{}) {
	if w == nil {
		return nil
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds).Printf
}

func store(p *atomic.Pointer[logFunc], f func(string, ...interface{})) {
	if f == nil {
		p.Store(nil)
		return
	}
	lf := logFunc(f)
	p.Store(&lf)
}

func emit(p *atomic.Pointer[logFunc], format string, v []interface{}) {
	if f := p.Load(); f != nil {
		(*f)(format, v...)
	}
}

// Opsf logs to the ops stream.
func Opsf(format string, v ...interface{}) { emit(&opsStream, format, v) }

// Diagf logs to the diag stream.
func Diagf(format string, v ...interface{}) { emit(&diagStream, format, v) }

// Tracef logs to the trace stream.
func Tracef(format string, v ...interface{}) { emit(&traceStream, format, v) }

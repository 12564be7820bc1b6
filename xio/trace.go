// Package xio has common i/o helpers for protocol connections.
package xio

import (
	"io"
	"log/slog"

	"github.com/mjl-/smtpsubmit/mlog"
)

// Tracer logs the traffic of a connection in both directions. The level is
// shared between the reader and writer, so switching to traceauth while
// authenticating affects both the client's and the server's lines.
type Tracer struct {
	log   mlog.Log
	level slog.Level
}

// NewTracer returns a Tracer logging at mlog.LevelTrace.
func NewTracer(log mlog.Log) *Tracer {
	return &Tracer{log, mlog.LevelTrace}
}

// SetLevel changes the trace level and returns a function that restores the
// previous level. Typically used as "defer t.SetLevel(mlog.LevelTraceauth)()".
func (t *Tracer) SetLevel(level slog.Level) func() {
	orig := t.level
	t.level = level
	return func() {
		t.level = orig
	}
}

// Level returns the current trace level.
func (t *Tracer) Level() slog.Level {
	return t.level
}

// Reader returns a reader that logs all data read from r, prefixed with prefix.
func (t *Tracer) Reader(prefix string, r io.Reader) io.Reader {
	return &traceReader{t, prefix, r}
}

// Writer returns a writer that logs all data written to w, prefixed with prefix.
func (t *Tracer) Writer(prefix string, w io.Writer) io.Writer {
	return &traceWriter{t, prefix, w}
}

type traceReader struct {
	t      *Tracer
	prefix string
	r      io.Reader
}

// Read does a single Read on the underlying reader and logs the data read.
func (r *traceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.t.log.Trace(r.t.level, r.prefix, buf[:n])
	}
	return n, err
}

type traceWriter struct {
	t      *Tracer
	prefix string
	w      io.Writer
}

// Write logs the data, then writes it to the underlying writer.
func (w *traceWriter) Write(buf []byte) (int, error) {
	w.t.log.Trace(w.t.level, w.prefix, buf)
	return w.w.Write(buf)
}

// Package mlog provides logging on top of log/slog, with log levels configured
// per originating package and additional trace levels for protocol traffic.
//
// Each package makes its own Log with New, e.g. mlog.New("smtpclient", elog).
// Logging strings should be constant, variable data goes into attributes.
//
// The trace levels are lower than debug. LevelTraceauth and LevelTracedata are
// used while authentication data or message data are exchanged. When only
// LevelTrace is enabled, those lines are still logged but with their text
// replaced by "***" and "..." respectively, so credentials don't end up in the
// logs by accident.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Fatal* stops the program.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Extra log levels, in addition to the slog levels.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured log level.
)

// Levels maps the configuration names of log levels to their values.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the reverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Logfmt switches output from the human-readable format to logfmt.
var Logfmt bool

// Holds a map[string]slog.Level, mapping a package (attribute "pkg") to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// ParseLevels parses log level configuration of the form "info" or
// "smtpclient=trace", as used on the command-line and in the config file.
func ParseLevels(defaultLevel string, pkgLevels map[string]string) (map[string]slog.Level, error) {
	c := map[string]slog.Level{}
	if defaultLevel == "" {
		defaultLevel = "error"
	}
	l, ok := Levels[defaultLevel]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", defaultLevel)
	}
	c[""] = l
	for pkg, s := range pkgLevels {
		l, ok := Levels[s]
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		c[pkg] = l
	}
	return c, nil
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger with convenience functions that take an error
// and/or a list of attributes.
type Log struct {
	*slog.Logger
	more func() []slog.Attr
}

// New returns a Log for package pkg. If logger is nil, the default mlog
// handler writing to stderr is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{w: os.Stderr, mu: &sync.Mutex{}})
	}
	return Log{Logger: logger.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a Log that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...), l.more}
}

// WithFunc sets a function that is called just before logging, to retrieve
// additional attributes to log.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{l.Logger, fn}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelError, err, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for logging errors of
// function calls that are otherwise ignored, such as Close.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Logx logs msg at level, with err as attribute "err" if not nil.
func (l Log) Logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	if l.more != nil {
		attrs = append(attrs, l.more()...)
	}
	l.LogAttrs(noctx, level, msg, attrs...)
}

// Trace logs protocol data at a trace level, prefixed with prefix, typically
// "LC: " or "RS: " for local client and remote server. For traceauth and
// tracedata, the data is replaced when only trace is enabled.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	var text string
	switch {
	case l.Enabled(noctx, level):
		text = string(data)
	case !l.Enabled(noctx, LevelTrace):
		return
	case level == LevelTraceauth:
		text = "***"
	case level == LevelTracedata:
		text = "..."
	default:
		return
	}
	attrs := []slog.Attr{}
	if l.more != nil {
		attrs = l.more()
	}
	l.LogAttrs(noctx, LevelTrace, prefix+text, attrs...)
}

// handler is the default slog.Handler, writing lines to w with levels as
// configured with SetConfig.
type handler struct {
	w     io.Writer
	mu    *sync.Mutex
	pkgs  []string
	group string
	attrs []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	return level >= h.level()
}

// level returns the configured level for the most specific package of h.
func (h *handler) level() slog.Level {
	c := *config.Load()
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if l, ok := c[h.pkgs[i]]; ok {
			return l
		}
	}
	if l, ok := c[""]; ok {
		return l
	}
	return LevelError
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.pkgs = append([]string{}, h.pkgs...)
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && h.group == "" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	if len(h.pkgs) > 0 {
		attrs = append(attrs, slog.String("pkg", h.pkgs[len(h.pkgs)-1]))
	}

	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	ls, ok := LevelStrings[level]
	if !ok {
		ls = strings.ToLower(level.String())
	}

	// We build up a buffer so we can do a single write of the data. Otherwise partial
	// log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", r.Time.Format(time.RFC3339Nano), ls, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", ls, logfmtValue(r.Message))
		for i, a := range attrs {
			if i == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value)))
		}
		if len(attrs) > 0 {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid bool, v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		if iscid {
			return strconv.FormatInt(v.Int64(), 16)
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		switch x := v.Any().(type) {
		case nil:
			return ""
		case error:
			return x.Error()
		case []byte:
			return base64.RawURLEncoding.EncodeToString(x)
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case fmt.Stringer:
			return x.String()
		}
	}
	return v.String()
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.Logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

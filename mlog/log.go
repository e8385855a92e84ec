// Package mlog provides logging with log levels and attributes, on top of
// log/slog.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of slog.Attr to log. Variable data should be in
// attributes. Logged messages themselves should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. smtpclient,
// satellite. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
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

// Logfmt enables logfmt-style output, instead of the default human-readable form.
var Logfmt bool

// Levels beyond the slog levels. Trace levels are for protocol transcripts.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4
	LevelPrint     = slog.LevelError + 8
)

// LevelStrings maps levels to their configuration names.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// Levels maps configuration names to levels.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to
// a log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
type key string

var CidKey key = "cid"

// Log wraps a slog.Logger with convenience functions for logging with errors.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds attribute "pkg". If elog is nil, a new logger
// with the package-level handler is created.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithPkg returns a logger for another package, sharing the attributes.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.plog(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.plog(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.plog(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.plog(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelError, err, msg, attrs...)
}

// Trace logs at a trace level. For LevelTraceauth and LevelTracedata, the
// message is replaced with "***" or "..." when only LevelTrace is enabled.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	msg := prefix + string(data)
	if !l.Enabled(noctx, level) {
		if !l.Enabled(noctx, LevelTrace) {
			return
		}
		switch level {
		case LevelTraceauth:
			msg = prefix + "***"
		case LevelTracedata:
			msg = prefix + "..."
		default:
			return
		}
		level = LevelTrace
	}
	l.plog(level, nil, msg)
}

func (l Log) plog(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	l.LogAttrs(noctx, level, msg, attrs...)
}

// handler writes log lines to stderr, deciding per "pkg" attribute whether to
// log at the requested level.
type handler struct {
	pkgs   []string
	attrs  []slog.Attr
	group  string
	output io.Writer
}

var outputMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.match(level)
}

func (h *handler) match(level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	seen := false
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		v, ok := cl[h.pkgs[i]]
		if ok {
			return level >= v
		}
		seen = seen || ok
	}
	if v, ok := cl[""]; !seen && ok {
		return level >= v
	}
	return false
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	nh.pkgs = append([]string{}, h.pkgs...)
	for _, a := range attrs {
		if a.Key == "pkg" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
		}
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
	if !h.match(r.Level) {
		return nil
	}
	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	// Single write per line, so lines from goroutines don't interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", r.Time.UTC().Format(time.RFC3339Nano), LevelStrings[r.Level], logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[r.Level], logfmtValue(r.Message))
		var errs string
		var n int
		for _, a := range attrs {
			if a.Key == "err" {
				errs = a.Value.String()
				continue
			}
			if n == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			n++
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a)))
		}
		if n > 0 {
			b.WriteString(")")
		}
		if errs != "" {
			fmt.Fprintf(b, ": %s", logfmtValue(errs))
		}
	}
	b.WriteString("\n")
	out := h.output
	if out == nil {
		out = os.Stderr
	}
	outputMutex.Lock()
	defer outputMutex.Unlock()
	_, err := out.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return strconv.Quote(s)
		}
	}
	return s
}

func stringValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case []byte:
			return base64.RawURLEncoding.EncodeToString(x)
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case error:
			return x.Error()
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
	w.log.plog(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error. Can be used
// for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

// Package mlog provides logging with log levels and structured attributes, as
// a thin layer over slog.
//
// Log levels are configured per originating package, application-global. Log
// text should be constant, with variable data in attributes, for easier log
// processing.
package mlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

var noctx = context.Background()

const (
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
)

// Levels maps configuration strings to levels, for use in config files.
var Levels = map[string]slog.Level{
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to
// its minimum level. The empty string is the default/fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey stores a "cid" in a context, for logging an operation id.
var CidKey key = "cid"

// Log is the logger used throughout, a slog.Logger with convenience methods.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds attribute "pkg" to each logged line. If log is
// nil, a logger writing logfmt-style lines to stderr is used.
func New(pkg string, log *slog.Logger) Log {
	if log == nil {
		log = slog.New(&handler{})
	}
	return Log{log.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid" to each logged line.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds a cid from the context, if present. Contexts are commonly
// passed between packages for an operation, a Log less so.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// WithPkg adds an additional "pkg" attribute, for code used on behalf of
// another package.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, msg, err, attrs...)
}

// Check logs err at error level if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Fatalx logs err and stops the program.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, msg, err, attrs...)
	os.Exit(1)
}

func (l Log) logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

// handler writes logfmt-ish lines to stderr (or another writer, for tests),
// filtering on the per-package configured levels.
type handler struct {
	w     io.Writer // Nil means os.Stderr.
	attrs []slog.Attr
	pkgs  []string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	cl := config.Load().(map[string]slog.Level)
	for _, pkg := range h.pkgs {
		if v, ok := cl[pkg]; ok {
			return level >= v
		}
	}
	return level >= cl[""]
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	b := &strings.Builder{}
	fmt.Fprintf(b, "l=%s m=%s", strings.ToLower(r.Level.String()), logfmtValue(r.Message))
	for _, a := range h.attrs {
		writeAttr(b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(b, a)
		return true
	})
	b.WriteString("\n")
	w := h.w
	if w == nil {
		w = os.Stderr
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{w: h.w}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	nh.pkgs = append([]string{}, h.pkgs...)
	for _, a := range attrs {
		if a.Key == "pkg" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
		}
	}
	return nh
}

// Groups are not used in this code base.
func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(a.Value.String()))
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

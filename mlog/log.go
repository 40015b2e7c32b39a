// Package mlog provides leveled logging with key/value fields.
//
// Each log level has a function to log with and without an error. Logging
// strings should be constant, with variable data in fields, for easier log
// processing.
//
// Log levels can be configured per originating package, e.g. eventloop,
// dbq, store. The configuration is process-global.
//
// Print* is for lines that must always be printed, regardless of configured
// levels, e.g. startup output and subcommand results. Fatal* stops the
// process. Disaster is for broken invariants in the core; callers are
// expected to stop the event loop after logging at that level.
package mlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelPrint Level = iota // Always printed.
	LevelDisaster
	LevelFatal
	LevelError
	LevelInfo
	LevelDebug
)

var levelStrings = map[Level]string{
	LevelPrint:    "print",
	LevelDisaster: "disaster",
	LevelFatal:    "fatal",
	LevelError:    "error",
	LevelInfo:     "info",
	LevelDebug:    "debug",
}

// Levels maps names as used in configuration to levels.
var Levels = map[string]Level{
	"print":    LevelPrint,
	"disaster": LevelDisaster,
	"fatal":    LevelFatal,
	"error":    LevelError,
	"info":     LevelInfo,
	"debug":    LevelDebug,
}

func (l Level) String() string { return levelStrings[l] }

// Holds a map[string]Level, keyed by package ("" is the fallback).
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelError})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// Pair is a field/value pair for logged lines.
type Pair struct {
	key   string
	value any
}

// Field makes a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger instance, with fields added to each logged line.
type Log struct {
	pkg    string
	fields []Pair
}

// New returns a Log that adds field "pkg" to each line.
func New(pkg string) *Log {
	return &Log{pkg: pkg}
}

// Fields returns a Log that also logs the given fields on each line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(append([]Pair{}, l.fields...), fields...)
	return &nl
}

func (l *Log) Print(text string, fields ...Pair)             { l.log(LevelPrint, nil, text, fields...) }
func (l *Log) Printx(text string, err error, fields ...Pair) { l.log(LevelPrint, err, text, fields...) }

func (l *Log) Fatal(text string, fields ...Pair) { l.Fatalx(text, nil, fields...) }
func (l *Log) Fatalx(text string, err error, fields ...Pair) {
	l.emit(LevelFatal, err, text, fields...)
	os.Exit(1)
}

// Disaster logs a broken invariant. It does not stop the process; the
// caller stops the event loop.
func (l *Log) Disaster(text string, fields ...Pair) { l.emit(LevelDisaster, nil, text, fields...) }
func (l *Log) Disasterx(text string, err error, fields ...Pair) {
	l.emit(LevelDisaster, err, text, fields...)
}

func (l *Log) Error(text string, fields ...Pair)             { l.log(LevelError, nil, text, fields...) }
func (l *Log) Errorx(text string, err error, fields ...Pair) { l.log(LevelError, err, text, fields...) }

func (l *Log) Info(text string, fields ...Pair)             { l.log(LevelInfo, nil, text, fields...) }
func (l *Log) Infox(text string, err error, fields ...Pair) { l.log(LevelInfo, err, text, fields...) }

func (l *Log) Debug(text string, fields ...Pair)             { l.log(LevelDebug, nil, text, fields...) }
func (l *Log) Debugx(text string, err error, fields ...Pair) { l.log(LevelDebug, err, text, fields...) }

func (l *Log) log(level Level, err error, text string, fields ...Pair) {
	if !l.match(level) {
		return
	}
	l.emit(level, err, text, fields...)
}

func (l *Log) match(level Level) bool {
	if level <= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]Level)
	if v, ok := cl[l.pkg]; ok {
		return v >= level
	}
	return cl[""] >= level
}

// escape a logfmt value if required, otherwise return the original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return strconv.Quote(s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}

func stringValue(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case uint32:
		return strconv.FormatUint(uint64(r), 10)
	case int64:
		return strconv.FormatInt(r, 10)
	case uint64:
		return strconv.FormatUint(r, 10)
	case bool:
		return strconv.FormatBool(r)
	case time.Duration:
		return r.String()
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case fmt.Stringer:
		return r.String()
	}
	return fmt.Sprintf("%v", v)
}

func (l *Log) emit(level Level, err error, text string, fields ...Pair) {
	b := &strings.Builder{}
	fmt.Fprintf(b, "l=%s m=%s", levelStrings[level], logfmtValue(text))
	if err != nil {
		fmt.Fprintf(b, " err=%s", logfmtValue(err.Error()))
	}
	if l.pkg != "" {
		fmt.Fprintf(b, " pkg=%s", l.pkg)
	}
	for _, kv := range l.fields {
		fmt.Fprintf(b, " %s=%s", kv.key, logfmtValue(stringValue(kv.value)))
	}
	for _, kv := range fields {
		fmt.Fprintf(b, " %s=%s", kv.key, logfmtValue(stringValue(kv.value)))
	}
	b.WriteString("\n")
	// Single write so concurrent lines don't interleave.
	os.Stderr.WriteString(b.String())
}

// Package plog is a small leveled logger on top of the stdlib log package,
// used for recovery diagnostics and the fatal-invariant-violation path.
package plog

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	}
	panic("plog: unexpected level " + strconv.Itoa(int(l)))
}

// Logger is the subset of operations the core needs from its diagnostic
// logger: structured enough to tag recovery events, small enough that a
// caller can swap in a no-op for benchmarks.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// std wraps a stdlib *log.Logger with a minimum level filter.
type std struct {
	l     *log.Logger
	level Level
}

// New returns a Logger writing to os.Stderr at the given minimum level.
func New(level Level) Logger {
	return &std{
		l:     log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		level: level,
	}
}

func (s *std) output(level Level, msg string) {
	if level < s.level {
		return
	}
	s.l.Output(3, level.String()+": "+msg)
}

func (s *std) Debugf(format string, args ...interface{}) { s.output(DebugLevel, fmt.Sprintf(format, args...)) }
func (s *std) Infof(format string, args ...interface{})  { s.output(InfoLevel, fmt.Sprintf(format, args...)) }
func (s *std) Warnf(format string, args ...interface{})  { s.output(WarnLevel, fmt.Sprintf(format, args...)) }
func (s *std) Errorf(format string, args ...interface{}) { s.output(ErrorLevel, fmt.Sprintf(format, args...)) }
func (s *std) Fatalf(format string, args ...interface{}) { s.output(FatalLevel, fmt.Sprintf(format, args...)) }

// nop discards everything; useful for tests and benchmarks that don't want
// recovery diagnostics cluttering output.
type nop struct{}

// NewNop returns a Logger that discards all messages.
func NewNop() Logger { return nop{} }

func (nop) Debugf(string, ...interface{}) {}
func (nop) Infof(string, ...interface{})  {}
func (nop) Warnf(string, ...interface{})  {}
func (nop) Errorf(string, ...interface{}) {}
func (nop) Fatalf(string, ...interface{}) {}

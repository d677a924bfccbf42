// Package share holds the ambient stack shared by every twinterp package:
// leveled logging and exactly-once asynchronous shutdown.
package share

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined.
	LogLevelUnknown LogLevel = iota
	// LogLevelPanic causes output of an error message followed by a panic.
	LogLevelPanic
	// LogLevelFatal causes output of an error message followed by os.Exit(1).
	LogLevelFatal
	// LogLevelError is for unexpected error messages.
	LogLevelError
	// LogLevelWarning is for warning messages.
	LogLevelWarning
	// LogLevelInfo is for informational messages.
	LogLevelInfo
	// LogLevelDebug is for debug messages.
	LogLevelDebug
	// LogLevelTrace is for trace messages.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel, len(logLevelNames))
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// MinLogger is a minimal logging interface for a logging component.
type MinLogger interface {
	Print(args ...interface{})
	Prefix() string
}

// Logger is an interface for a logging component that supports levels and
// prefix forking.
type Logger interface {
	MinLogger

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	Panic(args ...interface{})
	Panicf(f string, args ...interface{})
	PanicOnError(err error)
	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	Log(logLevel LogLevel, args ...interface{})
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error
	Sprintf(f string, args ...interface{}) string

	// Fork creates a new Logger that appends a formatted suffix onto this
	// logger's prefix (joined with ": ").
	Fork(prefix string, args ...interface{}) Logger
}

const defaultLogFlags = log.Ldate | log.Ltime

// BasicLogger is the default Logger implementation: a prefix plus a level
// filter over the standard library's log.Logger.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
}

// NewLogger creates a new Logger with the given prefix and level, emitting to
// os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func (l *BasicLogger) Print(args ...interface{}) {
	l.logger.Print(l.Sprint(args...))
}

// Sprint returns a string bearing the Logger's prefix.
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// Sprintf returns a formatted string bearing the Logger's prefix.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *BasicLogger) logNoPrefix(logLevel LogLevel, msg string) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.logger.Print(msg)
	}
	if logLevel == LogLevelFatal {
		os.Exit(1)
	}
	if logLevel == LogLevelPanic {
		panic(msg)
	}
}

// Log outputs args if logLevel is enabled, then panics/exits for
// LogLevelPanic/LogLevelFatal.
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	l.logNoPrefix(logLevel, l.Sprint(args...))
}

// Logf is the formatted form of Log.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	l.logNoPrefix(logLevel, l.Sprintf(f, args...))
}

func (l *BasicLogger) Panic(args ...interface{})         { l.Log(LogLevelPanic, args...) }
func (l *BasicLogger) Panicf(f string, a ...interface{}) { l.Logf(LogLevelPanic, f, a...) }
func (l *BasicLogger) Fatal(args ...interface{})         { l.Log(LogLevelFatal, args...) }
func (l *BasicLogger) Fatalf(f string, a ...interface{}) { l.Logf(LogLevelFatal, f, a...) }
func (l *BasicLogger) ELogf(f string, a ...interface{})  { l.Logf(LogLevelError, f, a...) }
func (l *BasicLogger) WLogf(f string, a ...interface{})  { l.Logf(LogLevelWarning, f, a...) }
func (l *BasicLogger) ILogf(f string, a ...interface{})  { l.Logf(LogLevelInfo, f, a...) }
func (l *BasicLogger) DLogf(f string, a ...interface{})  { l.Logf(LogLevelDebug, f, a...) }
func (l *BasicLogger) TLogf(f string, a ...interface{})  { l.Logf(LogLevelTrace, f, a...) }

// PanicOnError panics with err's message (via the logger) if err is non-nil.
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// Error returns an error carrying the logger's prefix, wrapped via
// github.com/pkg/errors so it attaches a stack at creation.
func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

// Errorf is the formatted form of Error.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Fork creates a child Logger whose prefix is this logger's prefix plus a
// formatted suffix.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := l.prefix + ": " + fmt.Sprintf(prefix, args...)
	return &BasicLogger{
		prefix:   newPrefix,
		prefixC:  newPrefix + ": ",
		logger:   l.logger,
		logLevel: l.logLevel,
	}
}

func (l *BasicLogger) Prefix() string { return l.prefix }

func (l *BasicLogger) GetLogLevel() LogLevel   { return l.logLevel }
func (l *BasicLogger) SetLogLevel(ll LogLevel) { l.logLevel = ll }

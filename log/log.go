package log

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. by closing the connection without further consideration)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. a provider acking twice)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

var (
	mu       sync.RWMutex
	logger   *zap.Logger
	loglevel int
	atom     = zap.NewAtomicLevelAt(zapcore.FatalLevel)
)

func init() {
	logger = newLogger(os.Stderr)
}

func newLogger(w io.Writer) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), atom)
	return zap.New(core).Named("rtrpc")
}

func zapLevel(ll int) zapcore.Level {
	switch {
	case ll <= LOGLEVEL_NONE:
		return zapcore.FatalLevel
	case ll == LOGLEVEL_ERRORS:
		return zapcore.ErrorLevel
	case ll == LOGLEVEL_WARNINGS:
		return zapcore.WarnLevel
	case ll == LOGLEVEL_INFO:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Set the global log level
func SetLoglevel(ll int) {
	mu.Lock()
	defer mu.Unlock()
	loglevel = ll
	atom.SetLevel(zapLevel(ll))
}

// ParseLoglevel maps a level name ("none", "error", "warning", "info", "debug")
// to one of the LOGLEVEL_* constants.
func ParseLoglevel(name string) (int, error) {
	switch strings.ToLower(name) {
	case "none", "off":
		return LOGLEVEL_NONE, nil
	case "error", "errors":
		return LOGLEVEL_ERRORS, nil
	case "warn", "warning", "warnings":
		return LOGLEVEL_WARNINGS, nil
	case "info", "":
		return LOGLEVEL_INFO, nil
	case "debug":
		return LOGLEVEL_DEBUG, nil
	}
	return LOGLEVEL_NONE, errors.NotValidf("log level %q", name)
}

// Redirect all log output to w.
func SetOutput(w io.Writer) {
	SetLogger(newLogger(w))
}

// Replace the underlying zap logger. The level set with SetLoglevel still
// gates calls made through Log and Logf.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Logger returns the underlying zap logger, named after the component.
func Logger(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Named(component)
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return loglevel >= ll
}

func Log(ll int, what ...interface{}) {
	if !IsLoggingEnabled(ll) {
		return
	}
	write(ll, strings.TrimSuffix(fmt.Sprintln(what...), "\n"))
}

func Logf(ll int, format string, args ...interface{}) {
	if !IsLoggingEnabled(ll) {
		return
	}
	write(ll, fmt.Sprintf(format, args...))
}

func write(ll int, msg string) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	switch ll {
	case LOGLEVEL_ERRORS:
		l.Error(msg)
	case LOGLEVEL_WARNINGS:
		l.Warn(msg)
	case LOGLEVEL_INFO:
		l.Info(msg)
	default:
		l.Debug(msg)
	}
}

func mapToChar(i int) byte {
	i = i % (10 + 26 + 26)
	if i < 10 {
		return byte('0' + i)
	} else if i < 10+26 {
		return byte('A' + i - 10)
	} else if i < 10+26+26 {
		return byte('a' + i - 10 - 26)
	}
	return byte('_')
}

// Returns a short random alphanumeric string.
// This is used to assign special tokens to RPCs in order to track them across log lines.
func GetLogToken() string {
	str := make([]byte, 6)
	for i := range str {
		str[i] = mapToChar(rand.Int())
	}
	return string(str)
}

// HubLogger adapts the package logger to the logger interface expected by
// github.com/juju/pubsub/v2 hubs.
func HubLogger() HubLog {
	return HubLog{}
}

type HubLog struct{}

func (HubLog) Errorf(format string, values ...interface{}) {
	Logf(LOGLEVEL_ERRORS, format, values...)
}

func (HubLog) Warningf(format string, values ...interface{}) {
	Logf(LOGLEVEL_WARNINGS, format, values...)
}

func (HubLog) Infof(format string, values ...interface{}) {
	Logf(LOGLEVEL_INFO, format, values...)
}

func (HubLog) Debugf(format string, values ...interface{}) {
	Logf(LOGLEVEL_DEBUG, format, values...)
}

func (HubLog) Tracef(format string, values ...interface{}) {
	Logf(LOGLEVEL_DEBUG, format, values...)
}

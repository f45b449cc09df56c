package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Engine services depend on this interface so tests can inject silent or
// capturing loggers without touching process-wide state.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	rootOnce sync.Once
	rootSink *sink
)

// sink is the shared leveled writer behind component loggers.
type sink struct {
	mu     sync.Mutex
	level  Level
	logger *log.Logger
}

func rootLogger() *sink {
	rootOnce.Do(func() {
		rootSink = &sink{level: LevelInfo, logger: log.New(os.Stderr, "", 0)}
	})
	return rootSink
}

// SetLevel sets the minimum level emitted by component loggers.
func SetLevel(level Level) {
	s := rootLogger()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// SetOutput redirects all component logger output.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	s := rootLogger()
	s.mu.Lock()
	s.logger = log.New(w, "", 0)
	s.mu.Unlock()
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	s.logger.Printf("%s [%s] [%s] %s", timestamp, level, component, message)
}

type componentLogger struct {
	component string
}

func (c componentLogger) Debug(format string, args ...any) {
	rootLogger().write(LevelDebug, c.component, format, args...)
}

func (c componentLogger) Info(format string, args ...any) {
	rootLogger().write(LevelInfo, c.component, format, args...)
}

func (c componentLogger) Warn(format string, args ...any) {
	rootLogger().write(LevelWarn, c.component, format, args...)
}

func (c componentLogger) Error(format string, args ...any) {
	rootLogger().write(LevelError, c.component, format, args...)
}

// NewComponentLogger returns the default application logger scoped to a
// component name, e.g. "settlement" or "round".
func NewComponentLogger(component string) Logger {
	if component == "" {
		component = "agora"
	}
	return componentLogger{component: component}
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

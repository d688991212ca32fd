// Package logging defines the printf-style logging contract that libraries
// in this repo depend on, decoupled from the structured logger that backs it.
package logging

import (
	"fmt"
	"log/slog"
	"reflect"
)

// Logger is the minimal printf-style logging contract.
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

type slogPrintfLogger struct {
	logger *slog.Logger
}

// FromSlog adapts a structured slog logger to the printf contract, formatting
// the message before emitting it.
func FromSlog(logger *slog.Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return &slogPrintfLogger{logger: logger}
}

// NewComponentLogger returns the process default logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return FromSlog(slog.Default().With("component", component))
}

func (l *slogPrintfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
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
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (m *multiLogger) Debug(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debug(format, args...)
	}
}

func (m *multiLogger) Info(format string, args ...any) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *multiLogger) Warn(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warn(format, args...)
	}
}

func (m *multiLogger) Error(format string, args ...any) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}

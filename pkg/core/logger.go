package core

import (
	"go.uber.org/zap"
)

// Logger provides structured logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// NewLogger builds a zap-backed Logger for the given environment.
// "prod" and "production" produce JSON output at info level, "test" uses
// zap's example encoder, anything else the development console encoder.
func NewLogger(environment string) (Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	switch environment {
	case "prod", "production":
		l, err = zap.NewProduction()
	case "test":
		l = zap.NewExample()
	default:
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return zap.NewNop().Sugar()
}

// Named returns a child logger scoped to name when the implementation
// supports it, and l unchanged otherwise.
func Named(l Logger, name string) Logger {
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.Named(name)
	}
	return l
}

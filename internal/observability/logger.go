// Package observability holds the process-wide structured logger.
package observability

import "sync/atomic"

// Logger is the levelled, field-based logger every package writes through.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

type holder struct{ Logger }

var current atomic.Pointer[holder]

func init() { current.Store(&holder{Logger: discard{}}) }

// SetLogger installs logger for the process. nil discards all output.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = discard{}
	}
	current.Store(&holder{Logger: logger})
}

// Log returns the installed logger.
func Log() Logger { return current.Load().Logger }

type discard struct{}

func (discard) Debug(string, ...Field) {}
func (discard) Info(string, ...Field)  {}
func (discard) Error(string, ...Field) {}

package observability

import (
	"fmt"
	"log"
	"strings"
)

type stdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger bridges Logger onto a stdlib logger. Debug lines are dropped unless debug is set.
func NewStdLogger(logger *log.Logger, debug bool) Logger {
	if logger == nil {
		logger = log.Default()
	}
	return stdLogger{logger: logger, debug: debug}
}

func (l stdLogger) Debug(msg string, fields ...Field) {
	if l.debug {
		l.print("DEBUG", msg, fields)
	}
}

func (l stdLogger) Info(msg string, fields ...Field) { l.print("INFO", msg, fields) }

func (l stdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l stdLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	l.logger.Print(b.String())
}

package storage

import (
	"fmt"
	"log"
	"strings"
)

// stdLogger writes structured key-value lines through the standard log
// package.
type stdLogger struct {
	debug bool
}

// NewStdLogger returns a Logger on the standard log package. Debug
// lines are dropped unless debug is set.
func NewStdLogger(debug bool) Logger {
	return &stdLogger{debug: debug}
}

func (l *stdLogger) Debug(msg string, fields ...interface{}) {
	if l.debug {
		log.Println(format("DEBUG", msg, fields))
	}
}
func (l *stdLogger) Info(msg string, fields ...interface{}) {
	log.Println(format("INFO", msg, fields))
}
func (l *stdLogger) Warn(msg string, fields ...interface{}) {
	log.Println(format("WARN", msg, fields))
}
func (l *stdLogger) Error(msg string, fields ...interface{}) {
	log.Println(format("ERROR", msg, fields))
}

func format(level, msg string, fields []interface{}) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	return b.String()
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

var _ Logger = (*stdLogger)(nil)
var _ Logger = NopLogger{}

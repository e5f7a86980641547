// Package logging defines the narrow logging seam every meshnet component
// depends on instead of calling the standard log package directly.
package logging

import "log"

// Logger is the single logging interface meshnet components accept by
// dependency injection, matching the teacher repo's application.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// StdLogger backs Logger with the standard library's log package.
type StdLogger struct{}

// NewStdLogger returns a Logger that writes through log.Printf.
func NewStdLogger() Logger {
	return StdLogger{}
}

func (StdLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}

// Nop is a Logger that discards everything, useful in tests that don't
// care about log output.
type Nop struct{}

func (Nop) Printf(string, ...any) {}

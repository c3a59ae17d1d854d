// Package monitoring holds the process-wide diagnostic loggers used by the
// ingestion adapters and sinks.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Tracef receives high-frequency per-batch telemetry. It is muted by default.
var Tracef func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	Logf = orNoop(f)
}

// SetTraceLogger replaces the trace logger. Passing nil mutes it.
func SetTraceLogger(f func(format string, v ...interface{})) {
	Tracef = orNoop(f)
}

func orNoop(f func(format string, v ...interface{})) func(string, ...interface{}) {
	if f == nil {
		return func(string, ...interface{}) {}
	}
	return f
}

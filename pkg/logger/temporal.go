package logger

import (
	tlog "go.temporal.io/sdk/log"
)

type temporalLogger struct{}

// Temporal adapts the process logger to the Temporal SDK so that client and
// worker output ends up in the same backends.
func Temporal() tlog.Logger {
	return temporalLogger{}
}

func (temporalLogger) Debug(msg string, keyvals ...any) {
	Debug("[Temporal] "+msg, keyvals...)
}

func (temporalLogger) Info(msg string, keyvals ...any) {
	Info("[Temporal] "+msg, keyvals...)
}

func (temporalLogger) Warn(msg string, keyvals ...any) {
	Warn("[Temporal] "+msg, keyvals...)
}

func (temporalLogger) Error(msg string, keyvals ...any) {
	Error("[Temporal] "+msg, keyvals...)
}

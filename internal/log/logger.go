// Package log wraps zap.Logger with replay-dedup behavior: a log line
// emitted while replaying an already-committed prefix is suppressed.
package log

import "go.uber.org/zap"

// ReplayAwareLogger suppresses Info/Warn/Debug log lines while a workflow
// task is replaying an already-committed history prefix, emitting them only
// once execution reaches the live point of the turn (the first decision
// that isn't already recorded in the log). Error-level lines always pass
// through, since suppressing a genuine failure signal would hide real
// incidents from operators replaying a stuck instance.
type ReplayAwareLogger struct {
	base      *zap.Logger
	replaying *bool
}

// New wraps base. replaying is a pointer so the internal/workflow Context
// can flip it mid-turn as replay catches up to the live point, without the
// logger needing to know anything about command sequencing.
func New(base *zap.Logger, replaying *bool) *ReplayAwareLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ReplayAwareLogger{base: base, replaying: replaying}
}

func (l *ReplayAwareLogger) suppressed() bool {
	return l.replaying != nil && *l.replaying
}

// Debug logs at debug level unless currently replaying.
func (l *ReplayAwareLogger) Debug(msg string, fields ...zap.Field) {
	if l.suppressed() {
		return
	}
	l.base.Debug(msg, fields...)
}

// Info logs at info level unless currently replaying.
func (l *ReplayAwareLogger) Info(msg string, fields ...zap.Field) {
	if l.suppressed() {
		return
	}
	l.base.Info(msg, fields...)
}

// Warn logs at warn level unless currently replaying.
func (l *ReplayAwareLogger) Warn(msg string, fields ...zap.Field) {
	if l.suppressed() {
		return
	}
	l.base.Warn(msg, fields...)
}

// Error always logs, replaying or not.
func (l *ReplayAwareLogger) Error(msg string, fields ...zap.Field) {
	l.base.Error(msg, fields...)
}

// With returns a logger with additional fields bound, preserving the
// replay-awareness of the parent.
func (l *ReplayAwareLogger) With(fields ...zap.Field) *ReplayAwareLogger {
	return &ReplayAwareLogger{base: l.base.With(fields...), replaying: l.replaying}
}

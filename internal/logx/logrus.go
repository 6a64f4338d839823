package logx

import (
	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts Logger onto a *logrus.Logger, the logging library used
// throughout the retrieval pack's largest general-purpose library
// (nabbar-golib/logger).
type LogrusLogger struct {
	base *logrus.Logger
}

// NewLogrusLogger wraps an existing *logrus.Logger. Pass logrus.New() for a
// fresh one with default text formatting.
func NewLogrusLogger(base *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{base: base}
}

// IsEnabled reports whether the wrapped logger's level would emit entries at
// the given severity.
func (l *LogrusLogger) IsEnabled(level Level) bool {
	return l.base.IsLevelEnabled(toLogrusLevel(level))
}

// Log emits a structured entry through logrus, attaching Component,
// WorkerID, and Fields as logrus.Fields.
func (l *LogrusLogger) Log(e Entry) {
	fields := make(logrus.Fields, len(e.Fields)+2)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields["component"] = e.Component
	if e.WorkerID >= 0 {
		fields["worker"] = e.WorkerID
	}
	entry := l.base.WithFields(fields)
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	entry.Log(toLogrusLevel(e.Level), e.Message)
}

func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

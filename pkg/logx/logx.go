// Package logx provides structured key-value logging for the underlay
// daemon and libraries, backed by logrus.
package logx

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger with a component name and variadic
// key-value call style: logger.Info("message", "key", value, ...).
type Logger struct {
	log       *logrus.Logger
	component string
}

// NewLogger creates a logger with the given level (trace|debug|info|warn|error)
// and component name. Unknown levels fall back to info.
func NewLogger(level, component string) *Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return &Logger{log: log, component: component}
}

// SetOutput redirects log output, e.g. to a file.
func (l *Logger) SetOutput(w io.Writer) {
	l.log.SetOutput(w)
}

// WithComponent returns a logger that shares the underlying sink but tags
// entries with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{log: l.log, component: component}
}

// fields converts a variadic key-value list into logrus fields. A trailing
// key without a value is logged under "extra".
func (l *Logger) fields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if l.component != "" {
		fields["component"] = l.component
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}

// Trace logs at trace level.
func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Trace(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Debug(msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Info(msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Warn(msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Error(msg)
}

// Wtf logs an internal-consistency violation: a condition that indicates a
// programming error rather than a runtime fault. The request that triggered
// it is expected to be dropped by the caller.
func (l *Logger) Wtf(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).WithField("wtf", true).Error(msg)
}

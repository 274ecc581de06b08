package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/thunder"
)

// Logrus adapts a *logrus.Logger to thunder.Logger, folding the engine's
// key-value pairs into logrus.Fields on the wrapped instance.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a thunder.Logger backed by logger.
func NewLogrus(logger *logrus.Logger) thunder.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) { l.entry(args).Error(msg) }

func (l *Logrus) Warn(msg string, args ...any) { l.entry(args).Warn(msg) }

func (l *Logrus) Info(msg string, args ...any) { l.entry(args).Info(msg) }

func (l *Logrus) entry(args []any) *logrus.Entry {
	fields := make(logrus.Fields, (len(args)+1)/2)
	for _, f := range fieldsOf(args) {
		// Store error values as their message so text formatters render
		// them instead of an opaque struct.
		if err, ok := f.value.(error); ok {
			fields[f.key] = err.Error()
			continue
		}
		fields[f.key] = f.value
	}
	return l.logger.WithFields(fields)
}

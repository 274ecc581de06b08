package logger

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/alexhholmes/thunder"
)

// Zap adapts a *zap.Logger to thunder.Logger, emitting strongly typed
// fields instead of routing through the reflection-based sugared logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a thunder.Logger backed by logger.
func NewZap(logger *zap.Logger) thunder.Logger {
	return &Zap{logger: logger}
}

func (z *Zap) Error(msg string, args ...any) { z.logger.Error(msg, zapFields(args)...) }

func (z *Zap) Warn(msg string, args ...any) { z.logger.Warn(msg, zapFields(args)...) }

func (z *Zap) Info(msg string, args ...any) { z.logger.Info(msg, zapFields(args)...) }

func zapFields(args []any) []zap.Field {
	pairs := fieldsOf(args)
	fs := make([]zap.Field, 0, len(pairs))
	for _, f := range pairs {
		switch v := f.value.(type) {
		case error:
			fs = append(fs, zap.NamedError(f.key, v))
		case fmt.Stringer:
			fs = append(fs, zap.Stringer(f.key, v))
		default:
			fs = append(fs, zap.Any(f.key, v))
		}
	}
	return fs
}

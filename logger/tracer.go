package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Tracer writes engine trace events to a zap logger. Noise maps to the
// debug level.
type Tracer struct {
	log *zap.Logger
}

// NewTracer returns a tracer writing to log.
func NewTracer(log *zap.Logger) *Tracer {
	return &Tracer{log: log}
}

func (t *Tracer) WriteError(category, format string, args ...interface{}) {
	t.log.Error(fmt.Sprintf(format, args...), zap.String("category", category))
}

func (t *Tracer) WriteWarning(category, format string, args ...interface{}) {
	t.log.Warn(fmt.Sprintf(format, args...), zap.String("category", category))
}

func (t *Tracer) WriteInfo(category, format string, args ...interface{}) {
	t.log.Info(fmt.Sprintf(format, args...), zap.String("category", category))
}

func (t *Tracer) WriteNoise(category, format string, args ...interface{}) {
	if !t.log.Core().Enabled(zap.DebugLevel) {
		return
	}
	t.log.Debug(fmt.Sprintf(format, args...), zap.String("category", category))
}

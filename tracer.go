package txnlog

// Tracer receives diagnostic events from the log engine. The logger package
// provides an implementation backed by zap.
type Tracer interface {
	WriteError(category, format string, args ...interface{})
	WriteWarning(category, format string, args ...interface{})
	WriteInfo(category, format string, args ...interface{})
	WriteNoise(category, format string, args ...interface{})
}

// NopTracer discards everything.
type NopTracer struct{}

func (NopTracer) WriteError(string, string, ...interface{})   {}
func (NopTracer) WriteWarning(string, string, ...interface{}) {}
func (NopTracer) WriteInfo(string, string, ...interface{})    {}
func (NopTracer) WriteNoise(string, string, ...interface{})   {}

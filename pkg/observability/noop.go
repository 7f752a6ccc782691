package observability

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// Debug implements Logger.Debug
func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}

// Info implements Logger.Info
func (l *NoopLogger) Info(msg string, fields map[string]interface{}) {}

// Warn implements Logger.Warn
func (l *NoopLogger) Warn(msg string, fields map[string]interface{}) {}

// Error implements Logger.Error
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

// Fatal implements Logger.Fatal
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

// WithPrefix implements Logger.WithPrefix
func (l *NoopLogger) WithPrefix(prefix string) Logger {
	return l
}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

// NoopMetricsClient discards all recorded metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetricsClient records counters, gauges and histograms emitted by the
// cache tiers. Implementations must be safe for concurrent use.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
}

// InMemoryMetricsClient accumulates metrics in process memory. It is the
// default client for library consumers that do not plug in their own
// metrics backend, and it backs assertions in tests.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter without labels
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a labeled counter
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge sets a gauge value
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordHistogram records a histogram observation. The in-memory client
// keeps only a running sum, which is enough for test assertions.
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// CounterValue returns the current value of a counter
func (m *InMemoryMetricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

// GaugeValue returns the current value of a gauge
func (m *InMemoryMetricsClient) GaugeValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[metricKey(name, labels)]
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(",%s=%s", k, labels[k]))
	}
	return b.String()
}

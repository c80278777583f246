package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics and flushes them to the log. A nil *Collector is
// valid and records nothing, so components can hold one unconditionally.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	totals   map[string]float64
	log      zerolog.Logger
	interval time.Duration
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector that flushes every interval (when
// positive) and whenever the buffer grows past 100 metrics. Flushed metrics
// are logged at info level even when log is stricter; a disabled logger
// stays silent.
func NewCollector(log zerolog.Logger, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	if lvl := log.GetLevel(); lvl > zerolog.InfoLevel && lvl != zerolog.Disabled {
		log = log.Level(zerolog.InfoLevel)
	}

	c := &Collector{
		metrics:  make([]Metric, 0),
		totals:   map[string]float64{},
		log:      log,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go c.periodicFlush()

	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Counter,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Gauge,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Histogram,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

// addMetric adds a metric to the collection
func (c *Collector) addMetric(metric Metric) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = append(c.metrics, metric)
	if metric.Type == Counter {
		c.totals[seriesKey(metric)] += metric.Value
	}

	// Trigger flush if we have too many metrics
	if len(c.metrics) >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Total returns the running sum of a counter series since creation,
// independent of flushes.
func (c *Collector) Total(name string, labels map[string]string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[seriesKey(Metric{Name: name, Labels: labels})]
}

// buffered returns a copy of the metrics not yet flushed.
func (c *Collector) buffered() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// FlushMetrics writes buffered metrics to the log and clears the buffer.
func (c *Collector) FlushMetrics() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	metrics := make([]Metric, len(c.metrics))
	copy(metrics, c.metrics)
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}

	c.log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		c.log.Info().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}

	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tick:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown() error {
	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return c.FlushMetrics()
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope starts a timer recorded on c when End is called.
func NewTimerScope(c *Collector, name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: c,
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}

func seriesKey(m Metric) string {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := m.Name
	for _, k := range keys {
		key += "," + k + "=" + m.Labels[k]
	}
	return key
}

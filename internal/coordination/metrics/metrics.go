// Package metrics implements the coordination metrics collector:
// counters, gauges, and bounded-ring-buffer histograms, with derived
// metrics computed on query. Prometheus vectors handle export while an
// in-process sample store hands back the raw means and windowed rates a
// Prometheus histogram can't return cheaply; the exported vectors live
// in pkg/metrics and are updated alongside the in-memory samples here.
// The alert channel feeds threshold breaches to whoever is listening.
package metrics

import (
	"sync"
	"time"

	"github.com/linkflow-go/internal/coordination/types"
	pkgmetrics "github.com/linkflow-go/pkg/metrics"
)

type AlertKind string

const (
	AlertCPU           AlertKind = "cpu"
	AlertMemory        AlertKind = "memory"
	AlertStallTimeout  AlertKind = "stall_timeout"
	AlertLowThroughput AlertKind = "low_throughput"
	AlertHighErrorRate AlertKind = "high_error_rate"
)

type Alert struct {
	Kind      AlertKind
	Message   string
	Timestamp time.Time
}

type Thresholds struct {
	CPU                 float64
	Memory              float64
	StallTimeout        time.Duration
	MinThroughputPerMin float64
	MaxErrorRatePerMin  float64
}

// ring is a fixed-capacity O(1)-push ring buffer of samples.
type ring struct {
	samples  []types.MetricSample
	capacity int
	next     int
	filled   bool
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]types.MetricSample, capacity), capacity: capacity}
}

func (r *ring) push(s types.MetricSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) all() []types.MetricSample {
	if !r.filled {
		return append([]types.MetricSample(nil), r.samples[:r.next]...)
	}
	out := make([]types.MetricSample, 0, r.capacity)
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

func (r *ring) mean() float64 {
	all := r.all()
	if len(all) == 0 {
		return 0
	}
	var sum float64
	for _, s := range all {
		sum += s.Value
	}
	return sum / float64(len(all))
}

// Collector owns metric samples exclusively. Counters are monotonic;
// gauges overwrite; histograms are bounded rings.
type Collector struct {
	mu         sync.Mutex
	retention  int
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*ring

	thresholds Thresholds
	alertCh    chan Alert

	taskTerminalTimestamps []time.Time
	errorTimestamps        []time.Time
}

func New(retention int, thresholds Thresholds) *Collector {
	return &Collector{
		retention:  retention,
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*ring),
		thresholds: thresholds,
		alertCh:    make(chan Alert, 256),
	}
}

// Alerts exposes the read side of the alert channel.
func (c *Collector) Alerts() <-chan Alert {
	return c.alertCh
}

func (c *Collector) emit(a Alert) {
	select {
	case c.alertCh <- a:
	default:
	}
}

func (c *Collector) IncCounter(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

func (c *Collector) Observe(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[name]
	if !ok {
		h = newRing(c.retention)
		c.histograms[name] = h
	}
	h.push(types.MetricSample{Timestamp: time.Now(), Name: name, Value: value, Tags: tags})
}

// RecordTaskTerminal updates counters/histograms and the Prometheus
// export for a task reaching a terminal status.
func (c *Collector) RecordTaskTerminal(status, taskType string, duration time.Duration, errKind string) {
	c.mu.Lock()
	c.counters["tasks."+status]++
	now := time.Now()
	c.taskTerminalTimestamps = append(c.taskTerminalTimestamps, now)
	if status == "failed" {
		c.errorTimestamps = append(c.errorTimestamps, now)
	}
	c.mu.Unlock()

	c.Observe("task.duration."+taskType, duration.Seconds(), map[string]string{"type": taskType})
	pkgmetrics.RecordTaskTerminal(status, taskType)
	pkgmetrics.RecordTaskDuration(taskType, duration.Seconds())
	if errKind != "" {
		pkgmetrics.RecordError(errKind)
	}
	c.checkErrorRate()
}

// RecordWorkerLoad updates a worker's utilization gauge.
func (c *Collector) RecordWorkerLoad(workerID string, snapshot types.LoadSnapshot) {
	u := snapshot.Utilization()
	c.SetGauge("worker.utilization."+workerID, u)
	pkgmetrics.RecordWorkerUtilization(workerID, u)

	if snapshot.CPU > c.thresholds.CPU && c.thresholds.CPU > 0 {
		c.emit(Alert{Kind: AlertCPU, Message: "worker " + workerID + " cpu over threshold", Timestamp: time.Now()})
	}
	if snapshot.Mem > c.thresholds.Memory && c.thresholds.Memory > 0 {
		c.emit(Alert{Kind: AlertMemory, Message: "worker " + workerID + " memory over threshold", Timestamp: time.Now()})
	}
}

// RecordWorkStealing records a completed steal batch.
func (c *Collector) RecordWorkStealing(src, dst string, count int) {
	c.IncCounter("work_stealing.count", float64(count))
	pkgmetrics.RecordWorkStealing(src, dst, count)
}

func (c *Collector) checkErrorRate() {
	c.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	terminal := trimBefore(c.taskTerminalTimestamps, cutoff)
	errs := trimBefore(c.errorTimestamps, cutoff)
	c.taskTerminalTimestamps = terminal
	c.errorTimestamps = errs
	c.mu.Unlock()

	if len(terminal) == 0 {
		return
	}
	rate := float64(len(errs)) / float64(len(terminal))
	if c.thresholds.MaxErrorRatePerMin > 0 && rate > c.thresholds.MaxErrorRatePerMin {
		c.emit(Alert{Kind: AlertHighErrorRate, Message: "error rate exceeds threshold", Timestamp: now})
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return append([]time.Time(nil), out...)
}

// SweepAlerts evaluates the window-based alert conditions (low
// throughput, stalled progress) that have no single triggering event;
// invoked from the coordination manager's maintenance pass.
func (c *Collector) SweepAlerts() {
	d := c.Derived()
	now := time.Now()

	if c.thresholds.MinThroughputPerMin > 0 && d.ThroughputPerMin < c.thresholds.MinThroughputPerMin {
		c.emit(Alert{Kind: AlertLowThroughput, Message: "task throughput below threshold", Timestamp: now})
	}

	if c.thresholds.StallTimeout <= 0 {
		return
	}
	c.mu.Lock()
	var last time.Time
	for _, t := range c.taskTerminalTimestamps {
		if t.After(last) {
			last = t
		}
	}
	c.mu.Unlock()
	if !last.IsZero() && now.Sub(last) > c.thresholds.StallTimeout {
		c.emit(Alert{Kind: AlertStallTimeout, Message: "no task progress within stall timeout", Timestamp: now})
	}
}

// Derived is the set of values computed on query.
type Derived struct {
	ThroughputPerMin float64
	ErrorRatePerMin  float64
}

func (c *Collector) Derived() Derived {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	var completed, errors float64
	for _, t := range c.taskTerminalTimestamps {
		if t.After(cutoff) {
			completed++
		}
	}
	for _, t := range c.errorTimestamps {
		if t.After(cutoff) {
			errors++
		}
	}
	return Derived{ThroughputPerMin: completed, ErrorRatePerMin: errors}
}

// HistogramMean returns the mean of a named bounded histogram.
func (c *Collector) HistogramMean(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[name]
	if !ok {
		return 0
	}
	return h.mean()
}

// Counter returns the current value of a named counter.
func (c *Collector) Counter(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Gauge returns the current value of a named gauge.
func (c *Collector) Gauge(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[name]
}

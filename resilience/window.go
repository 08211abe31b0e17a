package resilience

import (
	"sync"
	"time"
)

// WindowConfig holds the rolling metrics window size. A zero Window takes
// the default of one minute.
type WindowConfig struct {
	Window time.Duration
}

func (c WindowConfig) withDefaults() WindowConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

type metricsSample struct {
	topic     string
	op        string
	at        time.Time
	latencyMs float64
	isError   bool
	errKind   string
}

// MetricsWindow aggregates throughput, latency, and errors over a rolling
// time window. Samples older than the window are dropped before every
// record and snapshot, so aggregates only ever reflect the live window.
type MetricsWindow struct {
	mu      sync.Mutex
	cfg     WindowConfig
	samples []metricsSample // time ordered, oldest first
}

// NewMetricsWindow creates an empty window.
func NewMetricsWindow(cfg WindowConfig) *MetricsWindow {
	return &MetricsWindow{cfg: cfg.withDefaults()}
}

// RecordPublish records a successful publish with its latency.
func (w *MetricsWindow) RecordPublish(topic string, latencyMs float64) {
	w.record(metricsSample{topic: topic, op: "publish", latencyMs: latencyMs})
}

// RecordConsume records a successful consume with its latency.
func (w *MetricsWindow) RecordConsume(topic string, latencyMs float64) {
	w.record(metricsSample{topic: topic, op: "consume", latencyMs: latencyMs})
}

// RecordError records a failed operation of the given kind.
func (w *MetricsWindow) RecordError(topic, kind string) {
	w.record(metricsSample{topic: topic, isError: true, errKind: kind})
}

func (w *MetricsWindow) record(s metricsSample) {
	s.at = time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(s.at)
	w.samples = append(w.samples, s)
}

// prune drops samples older than the window. Callers must hold w.mu.
func (w *MetricsWindow) prune(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// TopicStats aggregates one topic inside a snapshot.
type TopicStats struct {
	Publishes    int     `json:"publishes"`
	Consumes     int     `json:"consumes"`
	Errors       int     `json:"errors"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// WindowSnapshot is a point-in-time aggregate of the rolling window.
type WindowSnapshot struct {
	Window              time.Duration         `json:"window"`
	ThroughputPerMinute float64               `json:"throughputPerMinute"`
	AvgLatencyMs        float64               `json:"avgLatencyMs"`
	ErrorCount          int                   `json:"errorCount"`
	ErrorsByKind        map[string]int        `json:"errorsByKind,omitempty"`
	PerTopic            map[string]TopicStats `json:"perTopic,omitempty"`
	Timestamp           time.Time             `json:"timestamp"`
}

// Snapshot prunes expired samples and aggregates the remainder. Throughput
// counts successful operations normalized to a per-minute rate.
func (w *MetricsWindow) Snapshot() WindowSnapshot {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	snap := WindowSnapshot{
		Window:       w.cfg.Window,
		ErrorsByKind: make(map[string]int),
		PerTopic:     make(map[string]TopicStats),
		Timestamp:    now,
	}

	var okCount int
	var latencySum float64
	latencyByTopic := make(map[string]float64)

	for _, s := range w.samples {
		stats := snap.PerTopic[s.topic]
		if s.isError {
			snap.ErrorCount++
			stats.Errors++
			if s.errKind != "" {
				snap.ErrorsByKind[s.errKind]++
			}
		} else {
			okCount++
			latencySum += s.latencyMs
			if s.op == "consume" {
				stats.Consumes++
			} else {
				stats.Publishes++
			}
			latencyByTopic[s.topic] += s.latencyMs
		}
		snap.PerTopic[s.topic] = stats
	}

	if okCount > 0 {
		snap.AvgLatencyMs = latencySum / float64(okCount)
	}
	for topic, stats := range snap.PerTopic {
		if n := stats.Publishes + stats.Consumes; n > 0 {
			stats.AvgLatencyMs = latencyByTopic[topic] / float64(n)
			snap.PerTopic[topic] = stats
		}
	}
	snap.ThroughputPerMinute = float64(okCount) / w.cfg.Window.Minutes()

	return snap
}

// Len returns the number of live samples.
func (w *MetricsWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(time.Now())
	return len(w.samples)
}

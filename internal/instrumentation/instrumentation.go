// Package instrumentation provides opt-in counters and timings around core
// hot paths (dispatch latency, agent spawn-to-ready, worktree create/delete,
// merge duration). Disabled by default so the common path pays nothing; set
// KAGAN_CORE_INSTRUMENTATION to turn it on.
package instrumentation

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

const (
	instrumentationEnv    = "KAGAN_CORE_INSTRUMENTATION"
	instrumentationLogEnv = "KAGAN_CORE_INSTRUMENTATION_LOG"
	meterName             = "kagan-core"
)

var enabledValues = map[string]bool{"1": true, "true": true, "yes": true, "on": true}

func isEnvEnabled(name string) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	return enabledValues[strings.ToLower(strings.TrimSpace(raw))]
}

// timingStats accumulates count/total/min/max for one named timing series,
// the same aggregate the structured snapshot exposes.
type timingStats struct {
	Count   int64
	TotalMS float64
	MinMS   float64
	MaxMS   float64
}

func (t *timingStats) add(durationMS float64) {
	t.Count++
	t.TotalMS += durationMS
	if t.Count == 1 || durationMS < t.MinMS {
		t.MinMS = durationMS
	}
	if durationMS > t.MaxMS {
		t.MaxMS = durationMS
	}
}

// TimingSnapshot is one named timing series as returned by Snapshot.
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	TotalMS float64 `json:"total_ms"`
	AvgMS  float64 `json:"avg_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
}

func (t timingStats) toSnapshot() TimingSnapshot {
	var avg float64
	if t.Count > 0 {
		avg = t.TotalMS / float64(t.Count)
	}
	return TimingSnapshot{Count: t.Count, TotalMS: t.TotalMS, AvgMS: avg, MinMS: t.MinMS, MaxMS: t.MaxMS}
}

// Snapshot is the serializable aggregate returned by Registry.Snapshot and
// served by the diagnostics instrumentation method.
type Snapshot struct {
	Enabled  bool                      `json:"enabled"`
	LogEvents bool                     `json:"log_events"`
	Counters map[string]int64          `json:"counters"`
	Timings  map[string]TimingSnapshot `json:"timings"`
}

// Registry holds in-process instrumentation state: the enabled/log-events
// flags, raw counters/timings for the snapshot API, and the OTel metric
// instruments those same samples are mirrored onto (a no-op meter unless
// something in the process has configured a real MeterProvider).
type Registry struct {
	mu        sync.RWMutex
	enabled   bool
	logEvents bool
	counters  map[string]int64
	timings   map[string]*timingStats

	meter      metric.Meter
	log        *logger.Logger
	instMu     sync.Mutex
	intCounter map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide instrumentation registry, seeded from
// KAGAN_CORE_INSTRUMENTATION / KAGAN_CORE_INSTRUMENTATION_LOG.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(logger.Default())
	})
	return defaultRegistry
}

// New builds a registry with its enabled flags read from the environment.
func New(log *logger.Logger) *Registry {
	return &Registry{
		enabled:    isEnvEnabled(instrumentationEnv),
		logEvents:  isEnvEnabled(instrumentationLogEnv),
		counters:   make(map[string]int64),
		timings:    make(map[string]*timingStats),
		meter:      otel.Meter(meterName),
		log:        log,
		intCounter: make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Configure updates the enabled/log-events flags at runtime (e.g. from a
// settings.update call), leaving whichever pointer is nil untouched.
func (r *Registry) Configure(enabled, logEvents *bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled != nil {
		r.enabled = *enabled
	}
	if logEvents != nil {
		r.logEvents = *logEvents
	}
}

// IsEnabled reports whether counters/timings are currently being recorded.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Reset clears all in-memory counters and timings. It does not touch the
// enabled/log-events flags.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]int64)
	r.timings = make(map[string]*timingStats)
}

// Snapshot returns a copy of the current instrumentation aggregates, the
// payload the diagnostics.instrumentation capability method serves.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	timings := make(map[string]TimingSnapshot, len(r.timings))
	for k, v := range r.timings {
		timings[k] = v.toSnapshot()
	}
	return Snapshot{Enabled: r.enabled, LogEvents: r.logEvents, Counters: counters, Timings: timings}
}

// IncrementCounter bumps a named counter by amount if instrumentation is
// enabled, mirroring the sample onto the OTel counter instrument of the
// same name and, if log-events is on, onto a structured log line.
func (r *Registry) IncrementCounter(ctx context.Context, name string, amount int64, fields map[string]interface{}) {
	r.mu.Lock()
	enabled := r.enabled
	if enabled {
		r.counters[name] += amount
	}
	logEvents := r.logEvents
	r.mu.Unlock()
	if !enabled {
		return
	}

	if c := r.counterInstrument(name); c != nil {
		c.Add(ctx, amount)
	}
	if logEvents {
		r.emitEvent("counter", name, float64(amount), fields)
	}
}

// RecordTiming records an elapsed duration in milliseconds if instrumentation
// is enabled.
func (r *Registry) RecordTiming(ctx context.Context, name string, durationMS float64, fields map[string]interface{}) {
	r.mu.Lock()
	enabled := r.enabled
	if enabled {
		stats, ok := r.timings[name]
		if !ok {
			stats = &timingStats{}
			r.timings[name] = stats
		}
		stats.add(durationMS)
	}
	logEvents := r.logEvents
	r.mu.Unlock()
	if !enabled {
		return
	}

	if h := r.histogramInstrument(name); h != nil {
		h.Record(ctx, durationMS)
	}
	if logEvents {
		r.emitEvent("timing", name, durationMS, fields)
	}
}

// TimedOperation starts a wall-clock timer and returns a function that
// records the time elapsed since the call under name.
// Use via `defer r.TimedOperation(ctx, "dispatch.kagan_github.sync_issues", nil)()`.
func (r *Registry) TimedOperation(ctx context.Context, name string, fields map[string]interface{}) func() {
	if !r.IsEnabled() {
		return func() {}
	}
	started := time.Now()
	return func() {
		r.RecordTiming(ctx, name, float64(time.Since(started).Microseconds())/1000.0, fields)
	}
}

// counterInstrument lazily creates and caches the OTel counter for name.
// Returns nil on creation error (e.g. an invalid instrument name) rather
// than a usable-looking zero value, since metric.Int64Counter is an
// interface with no safe nil-receiver implementation.
func (r *Registry) counterInstrument(name string) metric.Int64Counter {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	if c, ok := r.intCounter[name]; ok {
		return c
	}
	c, err := r.meter.Int64Counter(name)
	if err != nil {
		r.intCounter[name] = nil
		return nil
	}
	r.intCounter[name] = c
	return c
}

func (r *Registry) histogramInstrument(name string) metric.Float64Histogram {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		r.histograms[name] = nil
		return nil
	}
	r.histograms[name] = h
	return h
}

func (r *Registry) emitEvent(kind, name string, value float64, fields map[string]interface{}) {
	if r.log == nil {
		return
	}
	zapFields := []zap.Field{
		zap.String("kind", kind),
		zap.String("name", name),
		zap.Float64("value", value),
	}
	if len(fields) > 0 {
		zapFields = append(zapFields, zap.Any("fields", fields))
	}
	r.log.Info("core.instrumentation", zapFields...)
}

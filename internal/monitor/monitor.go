package monitor

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"
)

// Config controls retention, windows, and health thresholds.
type Config struct {
	Retention     time.Duration
	StatsWindow   time.Duration
	PatternWindow time.Duration
	PruneBatch    int
	Health        HealthThresholds
}

// HealthThresholds are evaluated in declaration order by HealthStatus.
type HealthThresholds struct {
	HighLoadRPS       float64
	MediumLoadRPS     float64
	ErrorCritical     float64
	ErrorWarning      float64
	LatencyCriticalMS float64
	LatencyWarningMS  float64
}

// DefaultConfig returns one hour retention, a 60s stats window, and a 5m pattern window.
func DefaultConfig() Config {
	return Config{
		Retention:     time.Hour,
		StatsWindow:   time.Minute,
		PatternWindow: 5 * time.Minute,
		PruneBatch:    1000,
		Health: HealthThresholds{
			HighLoadRPS:       1000,
			MediumLoadRPS:     500,
			ErrorCritical:     0.10,
			ErrorWarning:      0.05,
			LatencyCriticalMS: 2000,
			LatencyWarningMS:  1000,
		},
	}
}

// ConfigFrom converts the [monitor] config section.
func ConfigFrom(cfg config.MonitorConfig) Config {
	return Config{
		Retention:     time.Duration(cfg.RetentionSec) * time.Second,
		StatsWindow:   time.Duration(cfg.StatsWindowSec) * time.Second,
		PatternWindow: time.Duration(cfg.PatternWindowSec) * time.Second,
		PruneBatch:    cfg.PruneBatch,
		Health: HealthThresholds{
			HighLoadRPS:       cfg.Health.HighLoadRPS,
			MediumLoadRPS:     cfg.Health.MediumLoadRPS,
			ErrorCritical:     cfg.Health.ErrorCritical,
			ErrorWarning:      cfg.Health.ErrorWarning,
			LatencyCriticalMS: cfg.Health.LatencyCriticalMS,
			LatencyWarningMS:  cfg.Health.LatencyWarningMS,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = def.StatsWindow
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = def.PatternWindow
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = def.PruneBatch
	}
	if c.Health == (HealthThresholds{}) {
		c.Health = def.Health
	}
	return c
}

// Monitor keeps request/response logs bucketed by time and derives traffic statistics.
// Future timestamps are clamped to the clock; events already past retention are dropped.
// Params: retention and window config, clock, and logger.
// Returns: concurrency-safe traffic monitor.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	log        eventLog
	sincePrune int
	dropped    int64

	peakRPS       float64
	peakLatencyMS float64
	totalRequests int64
	totalErrors   int64
	startedAt     time.Time

	version       uint64
	cached        domain.TrafficSnapshot
	cachedVersion uint64
	cachedMS      int64
	hasCached     bool
}

// New creates traffic monitor.
// Params: config (zero fields take defaults), optional clock, and optional logger.
// Returns: initialized monitor.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Monitor {
	clk = clock.OrReal(clk)
	return &Monitor{
		cfg:       cfg.withDefaults(),
		clock:     clk,
		logger:    logging.Component(logger, "monitor"),
		startedAt: clk.Now(),
	}
}

// Config returns effective monitor config.
func (m *Monitor) Config() Config {
	return m.cfg
}

// stamp resolves the stored timestamp of an event.
// Returns: zero or future timestamps as now, and false when at is past retention.
func (m *Monitor) stamp(at, now time.Time) (time.Time, bool) {
	if at.IsZero() || at.After(now) {
		return now, true
	}
	return at, at.After(now.Add(-m.cfg.Retention))
}

// RecordRequest stores one request event.
func (m *Monitor) RecordRequest(event domain.RequestEvent) {
	now := m.clock.Now()
	at, ok := m.stamp(event.Timestamp, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok {
		m.dropped++
		return
	}
	event.Timestamp = at
	m.log.addRequest(event)
	m.totalRequests++
	m.version++
	m.afterAppendLocked(now)
}

// RecordResponse stores one response event; status >= 400 also counts as an error.
func (m *Monitor) RecordResponse(event domain.ResponseEvent) {
	now := m.clock.Now()
	at, ok := m.stamp(event.Timestamp, now)
	if event.LatencyMS < 0 || math.IsNaN(event.LatencyMS) || math.IsInf(event.LatencyMS, 0) {
		event.LatencyMS = 0
	}
	if event.BodySize < 0 {
		event.BodySize = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok {
		m.dropped++
		return
	}
	event.Timestamp = at
	m.log.addResponse(event)
	if event.IsError() {
		m.totalErrors++
	}
	m.version++
	m.afterAppendLocked(now)
}

func (m *Monitor) afterAppendLocked(now time.Time) {
	m.sincePrune++
	if m.sincePrune >= m.cfg.PruneBatch {
		m.pruneLocked(now)
	}
}

// Prune drops events older than the retention horizon.
// Returns: number of removed events across request, response, and error logs.
func (m *Monitor) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.clock.Now())
}

func (m *Monitor) pruneLocked(now time.Time) int {
	m.sincePrune = 0
	removed := m.log.prune(now.Add(-m.cfg.Retention))
	if removed > 0 {
		m.version++
		m.logger.Debug("pruned traffic logs", "removed", removed, "requests", m.log.requests, "responses", m.log.responses)
	}
	return removed
}

// CurrentStats computes the stats-window snapshot and updates running peaks.
// Repeated calls within one millisecond and without new events return the cached snapshot.
func (m *Monitor) CurrentStats() domain.TrafficSnapshot {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCached && m.cachedVersion == m.version && m.cachedMS == now.UnixMilli() {
		return m.cached
	}
	if m.log.expired(now.Add(-m.cfg.Retention)) {
		m.pruneLocked(now)
	}

	snapshot := m.computeLocked(now)
	m.cached = snapshot
	m.cachedVersion = m.version
	m.cachedMS = now.UnixMilli()
	m.hasCached = true
	return snapshot
}

// computeLocked aggregates events in (now - StatsWindow, now].
func (m *Monitor) computeLocked(now time.Time) domain.TrafficSnapshot {
	totals := m.log.totals(now.Add(-m.cfg.StatsWindow), now)

	avgLatency := 0.0
	if totals.responses > 0 {
		avgLatency = totals.latencySum / float64(totals.responses)
	}
	rps := float64(totals.requests) / m.cfg.StatsWindow.Seconds()
	errorRate := 0.0
	if totals.requests > 0 {
		errorRate = float64(totals.errors) / float64(totals.requests)
	}

	m.peakRPS = math.Max(m.peakRPS, rps)
	m.peakLatencyMS = math.Max(m.peakLatencyMS, avgLatency)

	return domain.TrafficSnapshot{
		RequestsPerSecond: rps,
		RequestsPerMinute: int(math.Round(rps * 60)),
		AverageLatencyMS:  avgLatency,
		ErrorRate:         errorRate,
		PeakRPS:           m.peakRPS,
		PeakLatencyMS:     m.peakLatencyMS,
		RequestsInWindow:  totals.requests,
		ErrorsInWindow:    totals.errors,
		TotalRequests:     m.totalRequests,
		TotalErrors:       m.totalErrors,
		LastComputedAt:    now,
	}
}

// HealthStatus classifies snapshot with ordered thresholds; first match wins.
func (m *Monitor) HealthStatus(s domain.TrafficSnapshot) domain.HealthStatus {
	return Classify(m.cfg.Health, s)
}

// Classify applies health thresholds in order: load, error rate, then latency.
func Classify(h HealthThresholds, s domain.TrafficSnapshot) domain.HealthStatus {
	switch {
	case s.RequestsPerSecond > h.HighLoadRPS:
		return domain.HealthHighLoad
	case s.RequestsPerSecond > h.MediumLoadRPS:
		return domain.HealthMediumLoad
	case s.ErrorRate > h.ErrorCritical:
		return domain.HealthCritical
	case s.ErrorRate > h.ErrorWarning:
		return domain.HealthWarning
	case s.AverageLatencyMS > h.LatencyCriticalMS:
		return domain.HealthCritical
	case s.AverageLatencyMS > h.LatencyWarningMS:
		return domain.HealthWarning
	default:
		return domain.HealthHealthy
	}
}

// Reset clears all logs, peaks, totals, and the cached snapshot.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = eventLog{}
	m.sincePrune = 0
	m.dropped = 0
	m.peakRPS = 0
	m.peakLatencyMS = 0
	m.totalRequests = 0
	m.totalErrors = 0
	m.startedAt = m.clock.Now()
	m.version++
	m.hasCached = false
	m.logger.Info("traffic monitor reset")
}

// Statistics is the monitor's extended status view.
type Statistics struct {
	Snapshot        domain.TrafficSnapshot `json:"snapshot"`
	Health          domain.HealthStatus    `json:"health"`
	Uptime          time.Duration          `json:"uptime"`
	RequestLogSize  int                    `json:"requestLogSize"`
	ResponseLogSize int                    `json:"responseLogSize"`
	ErrorLogSize    int                    `json:"errorLogSize"`
	DroppedEvents   int64                  `json:"droppedEvents"`
}

// Statistics returns snapshot with health, uptime, and log sizes.
func (m *Monitor) Statistics() Statistics {
	snapshot := m.CurrentStats()

	m.mu.Lock()
	stats := Statistics{
		Snapshot:        snapshot,
		Uptime:          m.clock.Now().Sub(m.startedAt),
		RequestLogSize:  m.log.requests,
		ResponseLogSize: m.log.responses,
		ErrorLogSize:    m.log.errors,
		DroppedEvents:   m.dropped,
	}
	m.mu.Unlock()

	stats.Health = m.HealthStatus(snapshot)
	return stats
}

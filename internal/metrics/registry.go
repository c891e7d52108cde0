package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"

	"ratewatch/internal/domain"
)

// Source resolves dotted metric paths to current values.
type Source interface {
	MetricValue(path string) (float64, bool)
}

// StatsProvider supplies the current traffic snapshot.
type StatsProvider interface {
	CurrentStats() domain.TrafficSnapshot
}

// Getter reads one metric value; ok=false means the value is unavailable.
type Getter func() (float64, bool)

// Registry maps metric paths to getters.
// Params: registered getters keyed by dotted path.
// Returns: Source implementation for the evaluator and limiter.
type Registry struct {
	mu      sync.RWMutex
	getters map[string]Getter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{getters: make(map[string]Getter)}
}

// Register binds path to getter, replacing any previous binding.
func (r *Registry) Register(path string, getter Getter) {
	path = strings.TrimSpace(path)
	if path == "" || getter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getters[path] = getter
}

// MetricValue resolves one path.
// Params: dotted metric path.
// Returns: value and false for unknown paths, unavailable values, or NaN.
func (r *Registry) MetricValue(path string) (float64, bool) {
	r.mu.RLock()
	getter, ok := r.getters[path]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	value, ok := getter()
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// Paths returns registered paths in lexical order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.getters))
	for path := range r.getters {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Snapshot evaluates every available metric.
// Returns: path to value map without unavailable entries.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, path := range r.Paths() {
		if value, ok := r.MetricValue(path); ok {
			out[path] = value
		}
	}
	return out
}

// RegisterApplication binds application metrics derived from traffic stats.
// Error rate is exposed in percent.
// Params: target registry and traffic stats provider.
func RegisterApplication(r *Registry, stats StatsProvider) {
	r.Register(domain.MetricResponseTime, func() (float64, bool) {
		return stats.CurrentStats().AverageLatencyMS, true
	})
	r.Register(domain.MetricErrorRate, func() (float64, bool) {
		return stats.CurrentStats().ErrorRate * 100, true
	})
	r.Register(domain.MetricRequestsPerSecond, func() (float64, bool) {
		return stats.CurrentStats().RequestsPerSecond, true
	})
	r.Register(MetricRequestsPerMinute, func() (float64, bool) {
		return float64(stats.CurrentStats().RequestsPerMinute), true
	})
	r.Register(MetricPeakRPS, func() (float64, bool) {
		return stats.CurrentStats().PeakRPS, true
	})
}

package monitor

import (
	"sort"
	"strings"

	"ratewatch/internal/domain"
)

// TrafficPatterns builds frequency tables over the pattern window.
// Params: none; window ends at the clock's current time.
// Returns: endpoint (query stripped), identifier, user agent, method, and hour-of-day counts.
func (m *Monitor) TrafficPatterns() domain.TrafficPatterns {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.PatternWindow)

	patterns := domain.TrafficPatterns{
		Endpoints:   make(map[string]int),
		Identifiers: make(map[string]int),
		UserAgents:  make(map[string]int),
		Methods:     make(map[string]int),
		Hourly:      make(map[int]int),
		Window:      m.cfg.PatternWindow,
		ComputedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.eachRequest(cutoff, now, func(event domain.RequestEvent) {
		patterns.Endpoints[endpointOf(event.Path)]++
		patterns.Identifiers[orUnknown(event.Identifier)]++
		patterns.UserAgents[orUnknown(event.UserAgent)]++
		patterns.Methods[strings.ToUpper(orUnknown(event.Method))]++
		patterns.Hourly[event.Timestamp.UTC().Hour()]++
	})
	return patterns
}

// endpointOf strips query string and fragment from a request path.
func endpointOf(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	return path
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

// Count is one key/frequency pair.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Top returns the n most frequent keys, ties broken by key.
// Params: frequency map and limit (n <= 0 returns all).
// Returns: sorted key/count pairs.
func Top(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for key, count := range counts {
		out = append(out, Count{Key: key, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

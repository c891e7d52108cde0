package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestEvent is one inbound request observed by the traffic monitor.
// Params: caller identifier, HTTP method/path/user agent, and arrival time.
// Returns: append-only log entry.
type RequestEvent struct {
	Identifier string    `json:"identifier"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"userAgent"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResponseEvent is one completed response matching an earlier request.
// Params: completion time, latency, status code, and body size.
// Returns: append-only log entry.
type ResponseEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	LatencyMS  float64   `json:"latencyMs"`
	StatusCode int       `json:"statusCode"`
	BodySize   int64     `json:"bodySize"`
}

// IsError reports whether response counts toward error rate.
func (e ResponseEvent) IsError() bool {
	return e.StatusCode >= 400
}

// TrafficSnapshot is point-in-time statistics derived from the last window.
// Params: rates, latency, error ratio, running peaks, and compute instant.
// Returns: immutable view handed to limiter, health and broadcast.
type TrafficSnapshot struct {
	RequestsPerSecond float64   `json:"requestsPerSecond"`
	RequestsPerMinute int       `json:"requestsPerMinute"`
	AverageLatencyMS  float64   `json:"averageResponseTime"`
	ErrorRate         float64   `json:"errorRate"`
	PeakRPS           float64   `json:"peakRps"`
	PeakLatencyMS     float64   `json:"peakResponseTime"`
	RequestsInWindow  int       `json:"requestsInWindow"`
	ErrorsInWindow    int       `json:"errorsInWindow"`
	TotalRequests     int64     `json:"totalRequests"`
	TotalErrors       int64     `json:"totalErrors"`
	LastComputedAt    time.Time `json:"lastComputedAt"`
}

// HasTraffic reports whether snapshot window saw any request.
func (s TrafficSnapshot) HasTraffic() bool {
	return s.RequestsInWindow > 0
}

// TrafficPatterns holds frequency tables over the pattern window.
// Params: counts keyed by endpoint, identifier, user agent, method, and hour.
// Returns: analytics view for dashboards.
type TrafficPatterns struct {
	Endpoints   map[string]int `json:"endpoints"`
	Identifiers map[string]int `json:"identifiers"`
	UserAgents  map[string]int `json:"userAgents"`
	Methods     map[string]int `json:"methods"`
	Hourly      map[int]int    `json:"hourly"`
	Window      time.Duration  `json:"window"`
	ComputedAt  time.Time      `json:"computedAt"`
}

// HealthStatus classifies one traffic snapshot.
type HealthStatus string

const (
	// HealthHealthy means no threshold matched.
	HealthHealthy HealthStatus = "healthy"
	// HealthWarning means error rate or latency is elevated.
	HealthWarning HealthStatus = "warning"
	// HealthCritical means error rate or latency is past the critical bound.
	HealthCritical HealthStatus = "critical"
	// HealthHighLoad means request volume is past the high-load bound.
	HealthHighLoad HealthStatus = "high-load"
	// HealthMediumLoad means request volume is past the medium-load bound.
	HealthMediumLoad HealthStatus = "medium-load"
)

// DecodeRequestEvent decodes and validates one request event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeRequestEvent(raw []byte) (RequestEvent, error) {
	var event RequestEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return RequestEvent{}, fmt.Errorf("decode request event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return RequestEvent{}, err
	}
	return event, nil
}

// DecodeResponseEvent decodes and validates one response event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeResponseEvent(raw []byte) (ResponseEvent, error) {
	var event ResponseEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return ResponseEvent{}, fmt.Errorf("decode response event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return ResponseEvent{}, err
	}
	return event, nil
}

// Validate checks request event fields supplied by external producers.
func (e RequestEvent) Validate() error {
	if strings.TrimSpace(e.Identifier) == "" {
		return errors.New("identifier is required")
	}
	if strings.TrimSpace(e.Path) == "" {
		return errors.New("path is required")
	}
	return nil
}

// Validate checks response event fields supplied by external producers.
func (e ResponseEvent) Validate() error {
	if e.StatusCode < 100 || e.StatusCode > 599 {
		return fmt.Errorf("statusCode %d out of range", e.StatusCode)
	}
	return nil
}

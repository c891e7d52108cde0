package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"
	"ratewatch/internal/metrics"
)

// Broadcast topics.
const (
	TopicMetrics = "metrics"
	TopicAlerts  = "alerts"
)

// Sink receives serialized broadcast payloads.
type Sink interface {
	Deliver(topic string, payload []byte) error
}

// TrafficSource supplies traffic stats and their health classification.
type TrafficSource interface {
	CurrentStats() domain.TrafficSnapshot
	HealthStatus(domain.TrafficSnapshot) domain.HealthStatus
}

// HostSource supplies the last host and process samples.
type HostSource interface {
	System() metrics.SystemSnapshot
	Process() metrics.ProcessSnapshot
}

// MetricsPayload is the periodic dashboard frame.
type MetricsPayload struct {
	Type      string                  `json:"type"`
	System    metrics.SystemSnapshot  `json:"system"`
	Process   metrics.ProcessSnapshot `json:"process"`
	Traffic   domain.TrafficSnapshot  `json:"traffic"`
	Health    domain.HealthStatus     `json:"health"`
	Timestamp time.Time               `json:"timestamp"`
}

// AlertPayload is one alert transition frame.
type AlertPayload struct {
	Type      domain.AlertEventType `json:"type"`
	Alert     domain.ActiveAlert    `json:"alert"`
	Message   string                `json:"message"`
	Timestamp time.Time             `json:"timestamp"`
}

// Broadcaster builds dashboard payloads and fans them out to sinks.
type Broadcaster struct {
	traffic TrafficSource
	host    HostSource
	sinks   []Sink
	clock   clock.Clock
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster; nil sinks are ignored.
// Params: traffic source, optional host source, clock, logger, and sinks.
func NewBroadcaster(traffic TrafficSource, host HostSource, clk clock.Clock, logger *slog.Logger, sinks ...Sink) *Broadcaster {
	b := &Broadcaster{
		traffic: traffic,
		host:    host,
		clock:   clock.OrReal(clk),
		logger:  logging.Component(logger, "broadcast"),
	}
	for _, sink := range sinks {
		if sink != nil {
			b.sinks = append(b.sinks, sink)
		}
	}
	return b
}

// MetricsFrame builds the current metrics payload.
func (b *Broadcaster) MetricsFrame() MetricsPayload {
	stats := b.traffic.CurrentStats()
	frame := MetricsPayload{
		Type:      TopicMetrics,
		Traffic:   stats,
		Health:    b.traffic.HealthStatus(stats),
		Timestamp: b.clock.Now(),
	}
	if b.host != nil {
		frame.System = b.host.System()
		frame.Process = b.host.Process()
	}
	return frame
}

// EncodeMetrics serializes the current metrics frame.
func (b *Broadcaster) EncodeMetrics() ([]byte, error) {
	return json.Marshal(b.MetricsFrame())
}

// HasSinks reports whether any sink is attached.
func (b *Broadcaster) HasSinks() bool {
	return len(b.sinks) > 0
}

// BroadcastMetrics publishes one metrics frame to every sink.
// Returns: joined sink errors.
func (b *Broadcaster) BroadcastMetrics() error {
	return b.publish(TopicMetrics, b.MetricsFrame())
}

// BroadcastAlert publishes one alert event to every sink.
func (b *Broadcaster) BroadcastAlert(event domain.AlertEvent) error {
	return b.publish(TopicAlerts, AlertPayload{
		Type:      event.Type,
		Alert:     event.Alert,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	})
}

func (b *Broadcaster) publish(topic string, payload any) error {
	if len(b.sinks) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	var errs []error
	for _, sink := range b.sinks {
		if err := sink.Deliver(topic, body); err != nil {
			b.logger.Warn("broadcast delivery failed", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

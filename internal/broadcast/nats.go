package broadcast

import (
	"fmt"
	"log/slog"
	"strings"

	"ratewatch/internal/config"
	"ratewatch/internal/logging"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes broadcast payloads to `<prefix>.<topic>` subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS for broadcast publishing.
// Params: publish config and logger.
// Returns: publisher or connection error.
func NewNATSPublisher(cfg config.NATSPublishConfig, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logging.Component(logger, "nats-broadcast")
	nc, err := nats.Connect(strings.Join(cfg.URL, ","),
		nats.Name("ratewatch-broadcast"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats broadcast disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats broadcast reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats broadcast: %w", err)
	}
	return NewNATSPublisherWithConn(nc, cfg.SubjectPrefix, logger), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		nc:     nc,
		prefix: strings.TrimSuffix(strings.TrimSpace(prefix), "."),
		logger: logging.OrDiscard(logger),
	}
}

// Subject returns the full subject for one topic.
func (p *NATSPublisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Deliver implements Sink.
func (p *NATSPublisher) Deliver(topic string, payload []byte) error {
	subject := p.Subject(topic)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

package ingest

import (
	"fmt"
	"log/slog"
	"strings"

	"ratewatch/internal/config"
	"ratewatch/internal/logging"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes traffic events from `<subject>.request` and
// `<subject>.response` through a queue group and forwards them to the recorder.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	ownsNC bool
	guard  SkewGuard
	logger *slog.Logger
}

// NewNATSSubscriber connects and starts the queue subscription.
// Params: ingest NATS config, recorder, timestamp guard, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, recorder Recorder, guard SkewGuard, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("ratewatch-ingest"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	subscriber, err := SubscribeNATS(nc, cfg.Subject, cfg.QueueGroup, recorder, guard, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	subscriber.ownsNC = true
	return subscriber, nil
}

// SubscribeNATS starts the queue subscription on an existing connection.
// Params: connection, subject root, queue group, recorder, timestamp guard, and logger.
// Returns: subscriber or subscribe error.
func SubscribeNATS(nc *nats.Conn, subject, queueGroup string, recorder Recorder, guard SkewGuard, logger *slog.Logger) (*NATSSubscriber, error) {
	subscriber := &NATSSubscriber{
		nc:     nc,
		guard:  guard,
		logger: logging.Component(logger, "ingest-nats"),
	}
	wildcard := strings.TrimSuffix(subject, ".") + ".*"
	sub, err := nc.QueueSubscribe(wildcard, queueGroup, func(message *nats.Msg) {
		subscriber.handle(recorder, message)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", wildcard, queueGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle decodes one message; invalid payloads are logged and dropped.
func (s *NATSSubscriber) handle(recorder Recorder, message *nats.Msg) {
	token := message.Subject[strings.LastIndexByte(message.Subject, '.')+1:]
	kind, ok := ParseKind(token)
	if !ok {
		s.logger.Warn("nats ingest unknown subject", "subject", message.Subject)
		return
	}
	if _, err := Apply(recorder, kind, message.Data, s.guard); err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains the subscription and closes an owned connection.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	var err error
	if s.sub != nil {
		err = s.sub.Drain()
	}
	if s.ownsNC {
		s.nc.Close()
	}
	return err
}

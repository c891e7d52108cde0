package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/metrics"
	"ratewatch/test/testutil"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
}

func (s *recordingSink) Deliver(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.bodies = append(s.bodies, payload)
	return s.err
}

type staticTraffic struct {
	stats  domain.TrafficSnapshot
	health domain.HealthStatus
}

func (s staticTraffic) CurrentStats() domain.TrafficSnapshot { return s.stats }

func (s staticTraffic) HealthStatus(domain.TrafficSnapshot) domain.HealthStatus { return s.health }

type staticHost struct{}

func (staticHost) System() metrics.SystemSnapshot {
	return metrics.SystemSnapshot{CPU: metrics.CPUStats{Overall: 42}, Available: true}
}

func (staticHost) Process() metrics.ProcessSnapshot {
	return metrics.ProcessSnapshot{Goroutines: 7}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, cancel
}

func TestHubFansOutAndDropsFailingSubscribers(t *testing.T) {
	t.Parallel()

	hub, _ := startHub(t)
	good := &recordingSubscriber{}
	bad := &recordingSubscriber{fail: true}
	hub.Register(good)
	hub.Register(bad)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast([]byte("one"))
	require.Eventually(t, func() bool { return good.received() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, bad.isClosed())

	hub.Unregister(good)
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, good.isClosed())
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	t.Parallel()

	hub, cancel := startHub(t)
	sub := &recordingSubscriber{}
	hub.Register(sub)
	cancel()
	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)

	late := &recordingSubscriber{}
	hub.Register(late)
	assert.True(t, late.isClosed(), "registration after shutdown closes the subscriber")
	hub.Broadcast([]byte("ignored"))
}

func TestWebSocketHandlerStreamsBroadcasts(t *testing.T) {
	t.Parallel()

	hub, _ := startHub(t)
	handler := NewHandler(hub, nil, func(c *Client) {
		_ = c.Send([]byte(`{"type":"hello"}`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello"}`, string(first))

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Deliver(TopicAlerts, []byte(`{"type":"alertTriggered"}`)))
	_, second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"alertTriggered"}`, string(second))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcasterMetricsFrame(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	traffic := staticTraffic{
		stats:  domain.TrafficSnapshot{RequestsPerSecond: 12, ErrorRate: 0.02},
		health: domain.HealthMediumLoad,
	}
	b := NewBroadcaster(traffic, staticHost{}, clock.NewManual(baseTime), nil, sink, nil)

	require.NoError(t, b.BroadcastMetrics())
	require.Len(t, sink.bodies, 1)
	assert.Equal(t, TopicMetrics, sink.topics[0])

	var frame map[string]any
	require.NoError(t, json.Unmarshal(sink.bodies[0], &frame))
	assert.Equal(t, "metrics", frame["type"])
	assert.Equal(t, "medium-load", frame["health"])
	assert.Equal(t, "2026-03-01T12:00:00Z", frame["timestamp"])
	assert.Equal(t, 12.0, frame["traffic"].(map[string]any)["requestsPerSecond"])
	assert.Equal(t, 42.0, frame["system"].(map[string]any)["cpu"].(map[string]any)["overall"])
	assert.Equal(t, 7.0, frame["process"].(map[string]any)["goroutines"])
}

func TestBroadcasterAlertFrameAndSinkErrors(t *testing.T) {
	t.Parallel()

	ok := &recordingSink{}
	broken := &recordingSink{err: errors.New("offline")}
	b := NewBroadcaster(staticTraffic{}, nil, nil, nil, ok, broken)

	event := domain.AlertEvent{
		Type:      domain.AlertEventResolved,
		Alert:     domain.ActiveAlert{ID: "a-1", RuleID: "high_cpu_usage", State: domain.AlertStateResolved},
		Message:   "High CPU Usage resolved",
		Timestamp: baseTime,
	}
	err := b.BroadcastAlert(event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	require.Len(t, ok.bodies, 1, "a failing sink does not block the others")
	assert.Equal(t, TopicAlerts, ok.topics[0])

	var frame AlertPayload
	require.NoError(t, json.Unmarshal(ok.bodies[0], &frame))
	assert.Equal(t, domain.AlertEventResolved, frame.Type)
	assert.Equal(t, "high_cpu_usage", frame.Alert.RuleID)
}

func TestNATSPublisherSubjects(t *testing.T) {
	t.Parallel()

	p := NewNATSPublisherWithConn(nil, " ratewatch. ", nil)
	assert.Equal(t, "ratewatch.metrics", p.Subject(TopicMetrics))
	assert.Equal(t, "alerts", NewNATSPublisherWithConn(nil, "", nil).Subject(TopicAlerts))
}

func TestNATSPublisherDelivers(t *testing.T) {
	url := testutil.StartLocalNATSServer(t)
	sub := testutil.ConnectNATS(t, url)

	received := make(chan *nats.Msg, 1)
	_, err := sub.ChanSubscribe("ratewatch.alerts", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	publisher, err := NewNATSPublisher(config.NATSPublishConfig{URL: []string{url}, SubjectPrefix: "ratewatch"}, nil)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, publisher.Deliver(TopicAlerts, []byte(`{"type":"alertTriggered"}`)))
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"alertTriggered"}`, string(msg.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("no message on ratewatch.alerts")
	}
}

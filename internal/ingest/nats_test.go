package ingest

import (
	"testing"
	"time"

	"ratewatch/internal/config"
	"ratewatch/test/testutil"
)

func TestNATSSubscriberRoutesBySubject(t *testing.T) {
	url := testutil.StartLocalNATSServer(t)
	recorder := &recordingRecorder{}

	subscriber, err := NewNATSSubscriber(config.NATSIngestConfig{
		URL:        []string{url},
		Subject:    "ratewatch.events",
		QueueGroup: "ratewatch-ingest",
	}, recorder, SkewGuard{}, nil)
	if err != nil {
		t.Fatalf("start subscriber: %v", err)
	}
	defer subscriber.Close()

	publisher := testutil.ConnectNATS(t, url)
	mustPublish := func(subject, body string) {
		t.Helper()
		if err := publisher.Publish(subject, []byte(body)); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}
	mustPublish("ratewatch.events.request", requestJSON)
	mustPublish("ratewatch.events.response", "["+responseJSON+","+responseJSON+"]")
	mustPublish("ratewatch.events.other", requestJSON)
	mustPublish("ratewatch.events.request", `{"path":"/no-identifier"}`)
	if err := publisher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if requests, responses := recorder.counts(); requests == 1 && responses == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	requests, responses := recorder.counts()
	if requests != 1 || responses != 2 {
		t.Fatalf("unexpected recorder counts requests=%d responses=%d", requests, responses)
	}
}

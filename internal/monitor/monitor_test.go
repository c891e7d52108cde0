package monitor

import (
	"sync"
	"testing"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T) (*Monitor, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(baseTime)
	return New(DefaultConfig(), clk, nil), clk
}

func record(m *Monitor, at time.Time, id string, status int, latency float64) {
	m.RecordRequest(domain.RequestEvent{Identifier: id, Method: "GET", Path: "/api/items?page=2", UserAgent: "curl/8", Timestamp: at})
	m.RecordResponse(domain.ResponseEvent{Timestamp: at, LatencyMS: latency, StatusCode: status, BodySize: 128})
}

func TestCurrentStatsEmptyWindow(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	stats := m.CurrentStats()

	assert.Zero(t, stats.RequestsPerSecond)
	assert.Zero(t, stats.RequestsPerMinute)
	assert.Zero(t, stats.AverageLatencyMS)
	assert.Zero(t, stats.ErrorRate)
	assert.Equal(t, baseTime, stats.LastComputedAt)
	assert.Equal(t, domain.HealthHealthy, m.HealthStatus(stats))
}

func TestCurrentStatsWindowAggregation(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)

	// outside the 60s window
	record(m, baseTime.Add(-2*time.Minute), "a", 500, 9000)

	for i := 0; i < 10; i++ {
		status := 200
		if i < 2 {
			status = 503
		}
		record(m, baseTime.Add(-time.Duration(i)*time.Second), "a", status, float64(100*(i+1)))
	}
	clk.Advance(time.Millisecond)

	stats := m.CurrentStats()
	require.Equal(t, 10, stats.RequestsInWindow)
	assert.InDelta(t, 10.0/60.0, stats.RequestsPerSecond, 1e-9)
	assert.Equal(t, 10, stats.RequestsPerMinute)
	assert.InDelta(t, 550.0, stats.AverageLatencyMS, 1e-9)
	assert.Equal(t, 2, stats.ErrorsInWindow)
	assert.InDelta(t, 0.2, stats.ErrorRate, 1e-9)
	assert.Equal(t, int64(11), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.TotalErrors)
}

func TestCurrentStatsHandlesOutOfOrderEvents(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	record(m, baseTime.Add(-10*time.Second), "a", 200, 100)
	record(m, baseTime.Add(-90*time.Second), "a", 200, 10000)
	record(m, baseTime.Add(-20*time.Second), "a", 200, 300)

	stats := m.CurrentStats()
	assert.Equal(t, 2, stats.RequestsInWindow)
	assert.InDelta(t, 200.0, stats.AverageLatencyMS, 1e-9)
}

func TestCurrentStatsIdempotent(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		record(m, baseTime.Add(-time.Duration(i)*time.Second), "a", 200, 40)
	}

	first := m.CurrentStats()
	second := m.CurrentStats()
	assert.Equal(t, first, second)

	clk.Advance(time.Millisecond)
	third := m.CurrentStats()
	third.LastComputedAt = first.LastComputedAt
	assert.Equal(t, first, third)
}

func TestPeaksTrackMaxima(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)
	for i := 0; i < 120; i++ {
		record(m, baseTime, "a", 200, 800)
	}
	peak := m.CurrentStats()
	assert.InDelta(t, 2.0, peak.PeakRPS, 1e-9)
	assert.InDelta(t, 800.0, peak.PeakLatencyMS, 1e-9)

	clk.Advance(2 * time.Minute)
	record(m, clk.Now(), "a", 200, 10)
	later := m.CurrentStats()
	assert.InDelta(t, 1.0/60.0, later.RequestsPerSecond, 1e-9)
	assert.InDelta(t, 2.0, later.PeakRPS, 1e-9)
	assert.InDelta(t, 800.0, later.PeakLatencyMS, 1e-9)
}

func TestNegativeFieldsCoercedToZero(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	m.RecordRequest(domain.RequestEvent{Identifier: "a", Path: "/"})
	m.RecordResponse(domain.ResponseEvent{LatencyMS: -50, StatusCode: 200, BodySize: -1})

	stats := m.CurrentStats()
	assert.Zero(t, stats.AverageLatencyMS)
	assert.Equal(t, 1, stats.RequestsInWindow)
}

func TestPruneDropsExpiredEvents(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)
	record(m, baseTime.Add(-30*time.Minute), "mid", 500, 10)
	record(m, baseTime, "new", 200, 10)
	assert.Zero(t, m.Prune())

	clk.Advance(31 * time.Minute)
	removed := m.Prune()
	assert.Equal(t, 3, removed)

	stats := m.Statistics()
	assert.Equal(t, 1, stats.RequestLogSize)
	assert.Equal(t, 1, stats.ResponseLogSize)
	assert.Equal(t, 0, stats.ErrorLogSize)

	clk.Advance(30 * time.Minute)
	m.CurrentStats()
	assert.Equal(t, 0, m.Statistics().RequestLogSize)
}

func TestEventsPastRetentionAreDropped(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	record(m, baseTime.Add(-61*time.Minute), "old", 500, 10)

	stats := m.Statistics()
	assert.Equal(t, int64(2), stats.DroppedEvents)
	assert.Zero(t, stats.RequestLogSize)
	assert.Zero(t, stats.ErrorLogSize)
	assert.Zero(t, stats.Snapshot.TotalRequests)
}

func TestLazyPruneOnBatch(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(baseTime)
	cfg := DefaultConfig()
	cfg.PruneBatch = 4
	m := New(cfg, clk, nil)

	m.RecordRequest(domain.RequestEvent{Identifier: "old", Path: "/", Timestamp: baseTime.Add(-59 * time.Minute)})
	clk.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		m.RecordRequest(domain.RequestEvent{Identifier: "new", Path: "/"})
	}

	m.mu.Lock()
	size := m.log.requests
	m.mu.Unlock()
	assert.Equal(t, 3, size)
}

func TestFutureTimestampsAreClampedToNow(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)
	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		m.RecordRequest(domain.RequestEvent{Identifier: "skewed", Path: "/", Timestamp: future})
		m.RecordResponse(domain.ResponseEvent{Timestamp: future, StatusCode: 200, LatencyMS: 5})
	}

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, m.CurrentStats().RequestsInWindow)
	assert.Equal(t, 2, m.TrafficPatterns().Identifiers["skewed"])

	clk.Advance(61 * time.Second)
	assert.Zero(t, m.CurrentStats().RequestsInWindow)

	clk.Advance(2 * time.Hour)
	m.Prune()
	stats := m.Statistics()
	assert.Zero(t, stats.RequestLogSize)
	assert.Zero(t, stats.ResponseLogSize)
}

func TestWindowEndsAtClockTime(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t)
	record(m, baseTime, "a", 200, 10)
	clk.Set(baseTime.Add(-10 * time.Second))

	assert.Zero(t, m.CurrentStats().RequestsInWindow)
	assert.Empty(t, m.TrafficPatterns().Identifiers)
}

func TestReverseOrderedEventsStayLinear(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	const n = 50000
	for i := 0; i < n; i++ {
		at := baseTime.Add(-time.Duration(i) * time.Millisecond)
		m.RecordRequest(domain.RequestEvent{Identifier: "r", Path: "/", Timestamp: at})
		m.RecordResponse(domain.ResponseEvent{Timestamp: at, StatusCode: 200, LatencyMS: float64(i % 10)})
	}

	stats := m.CurrentStats()
	assert.Equal(t, n, stats.RequestsInWindow)
	assert.InDelta(t, 4.5, stats.AverageLatencyMS, 1e-9)

	m.mu.Lock()
	buckets := len(m.log.buckets)
	m.mu.Unlock()
	// one bucket per slot plus the slot holding baseTime itself
	assert.Equal(t, n/int(bucketWidth/time.Millisecond)+1, buckets)
}

func BenchmarkRecordReverseOrder(b *testing.B) {
	m := New(DefaultConfig(), clock.NewManual(baseTime), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		at := baseTime.Add(-time.Duration(i%3_000_000) * time.Millisecond)
		m.RecordRequest(domain.RequestEvent{Identifier: "r", Path: "/", Timestamp: at})
		m.RecordResponse(domain.ResponseEvent{Timestamp: at, StatusCode: 200, LatencyMS: 1})
	}
}

func TestHealthStatusOrder(t *testing.T) {
	t.Parallel()

	h := DefaultConfig().Health
	cases := []struct {
		name string
		snap domain.TrafficSnapshot
		want domain.HealthStatus
	}{
		{"high load wins over errors", domain.TrafficSnapshot{RequestsPerSecond: 1500, ErrorRate: 0.5}, domain.HealthHighLoad},
		{"medium load", domain.TrafficSnapshot{RequestsPerSecond: 600}, domain.HealthMediumLoad},
		{"critical errors", domain.TrafficSnapshot{ErrorRate: 0.2, AverageLatencyMS: 5000}, domain.HealthCritical},
		{"warning errors", domain.TrafficSnapshot{ErrorRate: 0.06}, domain.HealthWarning},
		{"critical latency", domain.TrafficSnapshot{AverageLatencyMS: 2500}, domain.HealthCritical},
		{"warning latency", domain.TrafficSnapshot{AverageLatencyMS: 1500}, domain.HealthWarning},
		{"healthy", domain.TrafficSnapshot{RequestsPerSecond: 50, ErrorRate: 0.01, AverageLatencyMS: 100}, domain.HealthHealthy},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(h, tc.snap), tc.name)
	}
}

func TestTrafficPatterns(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	m.RecordRequest(domain.RequestEvent{Identifier: "a", Method: "get", Path: "/items?x=1", UserAgent: "ua1", Timestamp: baseTime.Add(-time.Minute)})
	m.RecordRequest(domain.RequestEvent{Identifier: "a", Method: "GET", Path: "/items", UserAgent: "ua1", Timestamp: baseTime.Add(-2 * time.Minute)})
	m.RecordRequest(domain.RequestEvent{Identifier: "b", Method: "POST", Path: "/orders", Timestamp: baseTime})
	m.RecordRequest(domain.RequestEvent{Identifier: "c", Method: "GET", Path: "/stale", Timestamp: baseTime.Add(-6 * time.Minute)})

	patterns := m.TrafficPatterns()
	assert.Equal(t, map[string]int{"/items": 2, "/orders": 1}, patterns.Endpoints)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, patterns.Identifiers)
	assert.Equal(t, map[string]int{"ua1": 2, "unknown": 1}, patterns.UserAgents)
	assert.Equal(t, map[string]int{"GET": 2, "POST": 1}, patterns.Methods)
	assert.Equal(t, 2, patterns.Hourly[11])
	assert.Equal(t, 1, patterns.Hourly[12])

	top := Top(patterns.Endpoints, 1)
	require.Len(t, top, 1)
	assert.Equal(t, Count{Key: "/items", Count: 2}, top[0])
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t)
	record(m, baseTime, "a", 500, 3000)
	before := m.CurrentStats()
	require.NotZero(t, before.PeakLatencyMS)

	m.Reset()
	after := m.CurrentStats()
	assert.Zero(t, after.PeakLatencyMS)
	assert.Zero(t, after.PeakRPS)
	assert.Zero(t, after.TotalRequests)
	assert.Zero(t, after.RequestsInWindow)
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig(), nil, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.RecordRequest(domain.RequestEvent{Identifier: "x", Path: "/"})
				m.RecordResponse(domain.ResponseEvent{StatusCode: 200, LatencyMS: 1})
				_ = m.CurrentStats()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2000), m.CurrentStats().TotalRequests)
}

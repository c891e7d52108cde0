package metrics

import (
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticStats domain.TrafficSnapshot

func (s staticStats) CurrentStats() domain.TrafficSnapshot { return domain.TrafficSnapshot(s) }

type fakeHost struct {
	stats   []procfs.Stat
	calls   int
	memErr  error
	statErr error
	mem     procfs.Meminfo
	load    procfs.LoadAvg
}

func (h *fakeHost) Stat() (procfs.Stat, error) {
	if h.statErr != nil {
		return procfs.Stat{}, h.statErr
	}
	s := h.stats[min(h.calls, len(h.stats)-1)]
	h.calls++
	return s, nil
}

func (h *fakeHost) Meminfo() (procfs.Meminfo, error) { return h.mem, h.memErr }

func (h *fakeHost) LoadAvg() (*procfs.LoadAvg, error) { return &h.load, nil }

type staticAlerts struct{ active, rules int }

func (a staticAlerts) ActiveCount() int { return a.active }
func (a staticAlerts) RuleCount() int   { return a.rules }

func u64(v uint64) *uint64 { return &v }

func TestRegistryResolvesPaths(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("b.value", func() (float64, bool) { return 2, true })
	r.Register("a.value", func() (float64, bool) { return 1, true })
	r.Register("c.missing", func() (float64, bool) { return 0, false })
	r.Register("d.nan", func() (float64, bool) { return math.NaN(), true })
	r.Register("", func() (float64, bool) { return 9, true })

	v, ok := r.MetricValue("a.value")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = r.MetricValue("unknown")
	assert.False(t, ok)
	_, ok = r.MetricValue("c.missing")
	assert.False(t, ok)
	_, ok = r.MetricValue("d.nan")
	assert.False(t, ok, "NaN is treated as unavailable")

	assert.Equal(t, []string{"a.value", "b.value", "c.missing", "d.nan"}, r.Paths())
	assert.Equal(t, map[string]float64{"a.value": 1, "b.value": 2}, r.Snapshot())
}

func TestApplicationMetricsUsePercentErrorRate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	RegisterApplication(r, staticStats{
		RequestsPerSecond: 12.5,
		RequestsPerMinute: 750,
		AverageLatencyMS:  220,
		ErrorRate:         0.05,
		PeakRPS:           40,
	})

	snapshot := r.Snapshot()
	assert.Equal(t, 220.0, snapshot[domain.MetricResponseTime])
	assert.InDelta(t, 5.0, snapshot[domain.MetricErrorRate], 1e-9)
	assert.Equal(t, 12.5, snapshot[domain.MetricRequestsPerSecond])
	assert.Equal(t, 750.0, snapshot[MetricRequestsPerMinute])
	assert.Equal(t, 40.0, snapshot[MetricPeakRPS])
}

func TestCPUPercentFromDelta(t *testing.T) {
	t.Parallel()

	first := cpuPercent(nil, procfs.CPUStat{User: 25, Idle: 75})
	assert.InDelta(t, 25.0, first.Overall, 1e-9, "since-boot ratio without a previous sample")

	prev := procfs.CPUStat{User: 100, System: 0, Idle: 300}
	cur := procfs.CPUStat{User: 130, System: 20, Idle: 340, Iowait: 10}
	stats := cpuPercent(&prev, cur)
	assert.InDelta(t, 50.0, stats.Overall, 1e-9)
	assert.InDelta(t, 30.0, stats.User, 1e-9)
	assert.InDelta(t, 20.0, stats.System, 1e-9)
	assert.InDelta(t, 50.0, stats.Idle, 1e-9)

	same := cpuPercent(&cur, cur)
	assert.InDelta(t, 30.0, same.Overall, 1e-9, "no elapsed ticks falls back to since-boot ratio")
}

func TestMemoryStatsPrefersAvailable(t *testing.T) {
	t.Parallel()

	stats := memoryStats(procfs.Meminfo{MemTotal: u64(1000), MemFree: u64(100), MemAvailable: u64(250)})
	assert.Equal(t, uint64(1000*1024), stats.Total)
	assert.Equal(t, uint64(250*1024), stats.Free)
	assert.Equal(t, uint64(750*1024), stats.Used)
	assert.InDelta(t, 75.0, stats.UsagePercent, 1e-9)

	fallback := memoryStats(procfs.Meminfo{MemTotal: u64(1000), MemFree: u64(400)})
	assert.InDelta(t, 60.0, fallback.UsagePercent, 1e-9)

	assert.Equal(t, MemoryStats{}, memoryStats(procfs.Meminfo{}))
}

func TestSystemCollectorSamplesAndRegisters(t *testing.T) {
	t.Parallel()

	host := &fakeHost{
		stats: []procfs.Stat{
			{CPUTotal: procfs.CPUStat{User: 100, Idle: 900}, CPU: map[int64]procfs.CPUStat{0: {}, 1: {}}},
			{CPUTotal: procfs.CPUStat{User: 190, Idle: 910}, CPU: map[int64]procfs.CPUStat{0: {}, 1: {}}},
		},
		mem:  procfs.Meminfo{MemTotal: u64(2000), MemAvailable: u64(500)},
		load: procfs.LoadAvg{Load1: 1.5, Load5: 1.0, Load15: 0.5},
	}
	self := func() (procfs.ProcStat, error) {
		return procfs.ProcStat{RSS: 4, UTime: 150, STime: 50}, nil
	}
	clk := clock.NewManual(baseTime)
	collector := newSystemCollector(host, self, clk, nil)
	registry := NewRegistry()
	collector.Register(registry)

	_, ok := registry.MetricValue(domain.MetricCPUOverall)
	assert.False(t, ok, "unavailable before first sample")

	require.NoError(t, collector.Sample())
	clk.Advance(10 * time.Second)
	require.NoError(t, collector.Sample())

	cpu, ok := registry.MetricValue(domain.MetricCPUOverall)
	require.True(t, ok)
	assert.InDelta(t, 90.0, cpu, 1e-9)

	mem, _ := registry.MetricValue(domain.MetricMemoryUsage)
	assert.InDelta(t, 75.0, mem, 1e-9)
	load, _ := registry.MetricValue(domain.MetricLoad1)
	assert.Equal(t, 1.5, load)
	cores, _ := registry.MetricValue(MetricCPUCores)
	assert.Equal(t, 2.0, cores)

	process := collector.Process()
	assert.Equal(t, os.Getpid(), process.PID)
	assert.Equal(t, uint64(4*os.Getpagesize()), process.RSSBytes)
	assert.InDelta(t, 2.0, process.CPUSeconds, 1e-9)
	assert.Equal(t, 10.0, process.UptimeSec)
	assert.Positive(t, process.Goroutines)
}

func TestSystemCollectorKeepsGoingOnPartialFailure(t *testing.T) {
	t.Parallel()

	host := &fakeHost{
		statErr: errors.New("no stat"),
		mem:     procfs.Meminfo{MemTotal: u64(100), MemAvailable: u64(50)},
	}
	collector := newSystemCollector(host, nil, clock.NewManual(baseTime), nil)
	registry := NewRegistry()
	collector.Register(registry)

	err := collector.Sample()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/proc/stat")

	assert.InDelta(t, 50.0, collector.System().Memory.UsagePercent, 1e-9)
	_, ok := registry.MetricValue(domain.MetricCPUOverall)
	assert.False(t, ok, "host metrics stay unavailable until stat succeeds")
	_, ok = registry.MetricValue(MetricProcessGoroutines)
	assert.True(t, ok, "process metrics do not depend on procfs")
}

func TestNilHostCollectorServesProcessOnly(t *testing.T) {
	t.Parallel()

	collector := newSystemCollector(nil, nil, nil, nil)
	require.NoError(t, collector.Sample())
	assert.False(t, collector.System().Available)
	assert.Positive(t, collector.Process().HeapSysBytes)
}

func TestExporterCountsAndServes(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register(domain.MetricCPUOverall, func() (float64, bool) { return 42, true })
	exporter := NewExporter(staticStats{RequestsPerSecond: 3, TotalRequests: 90}, registry, staticAlerts{active: 2, rules: 7})

	q := domain.Quota{Max: 100, WindowMS: 60000}
	exporter.ObserveDecision(q, true, "memory", "/api")
	exporter.ObserveDecision(q, false, "memory", "/api")
	exporter.ObserveDecision(q, false, "memory", "/api")
	exporter.ObserveAlertEvent(domain.AlertEvent{Type: domain.AlertEventTriggered, Alert: domain.ActiveAlert{Severity: domain.SeverityCritical}})
	exporter.ObserveDelivery("console", nil)
	exporter.ObserveDelivery("hook", errors.New("down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.decisions.WithLabelValues("allowed", "memory")))
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.decisions.WithLabelValues("rejected", "memory")))
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.rejections.WithLabelValues("/api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.alerts.WithLabelValues("alertTriggered", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.deliveries.WithLabelValues("hook", "failed")))

	server := httptest.NewServer(exporter.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "ratewatch_traffic_requests_per_second 3")
	assert.Contains(t, text, "ratewatch_traffic_requests_total 90")
	assert.Contains(t, text, `ratewatch_metric_value{path="system.cpu.overall"} 42`)
	assert.Contains(t, text, "ratewatch_alerts_active 2")
	assert.Contains(t, text, "ratewatch_alerts_rules 7")
	assert.Contains(t, text, "go_goroutines")
}

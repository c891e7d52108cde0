package metrics

import (
	"net/http"
	"os"
	"strings"

	"ratewatch/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ratewatch"

// AlertCounter reports evaluator gauges.
type AlertCounter interface {
	ActiveCount() int
	RuleCount() int
}

// Exporter exposes traffic, quota, alert, and registry metrics to Prometheus.
type Exporter struct {
	registry *prometheus.Registry

	decisions  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	alerts     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	quota      prometheus.Histogram
}

// NewExporter builds an exporter on a private registry.
// Params: traffic stats, metric registry, optional alert counter.
// Returns: exporter with Go and process collectors registered.
func NewExporter(stats StatsProvider, source *Registry, alerts AlertCounter) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by result",
		}, []string{"result", "algorithm"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "rejections_by_endpoint_total",
			Help:      "Rejected requests by endpoint",
		}, []string{"endpoint"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "events_total",
			Help:      "Alert events emitted by type and severity",
		}, []string{"type", "severity"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		quota: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "computed_quota",
			Help:      "Distribution of computed per-identifier quotas",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			PidFn: func() (int, error) { return os.Getpid(), nil },
		}),
		e.decisions,
		e.rejections,
		e.alerts,
		e.deliveries,
		e.quota,
	)
	if stats != nil {
		e.registry.MustRegister(newTrafficCollector(stats))
	}
	if source != nil {
		e.registry.MustRegister(newRegistryCollector(source))
	}
	if alerts != nil {
		e.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "active",
				Help:      "Active alerts including pending and suppressed",
			}, func() float64 { return float64(alerts.ActiveCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "rules",
				Help:      "Registered alert rules",
			}, func() float64 { return float64(alerts.RuleCount()) }),
		)
	}
	return e
}

// Handler serves the exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the private registry.
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// ObserveDecision counts one limiter decision.
// Params: computed quota, allow flag, enforcement algorithm, and endpoint.
func (e *Exporter) ObserveDecision(q domain.Quota, allowed bool, algorithm, endpoint string) {
	result := "allowed"
	if !allowed {
		result = "rejected"
		e.rejections.WithLabelValues(endpoint).Inc()
	}
	e.decisions.WithLabelValues(result, algorithm).Inc()
	e.quota.Observe(float64(q.Max))
}

// ObserveAlertEvent counts one evaluator event.
func (e *Exporter) ObserveAlertEvent(event domain.AlertEvent) {
	e.alerts.WithLabelValues(string(event.Type), string(event.Alert.Severity)).Inc()
}

// ObserveDelivery counts one per-channel delivery outcome.
func (e *Exporter) ObserveDelivery(channel string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	e.deliveries.WithLabelValues(channel, result).Inc()
}

// trafficCollector reads the monitor snapshot once per scrape.
type trafficCollector struct {
	stats StatsProvider

	rps      *prometheus.Desc
	rpm      *prometheus.Desc
	latency  *prometheus.Desc
	errRate  *prometheus.Desc
	peakRPS  *prometheus.Desc
	requests *prometheus.Desc
	errors   *prometheus.Desc
}

func newTrafficCollector(stats StatsProvider) *trafficCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "traffic", name), help, nil, nil)
	}
	return &trafficCollector{
		stats:    stats,
		rps:      desc("requests_per_second", "Requests per second over the stats window"),
		rpm:      desc("requests_per_minute", "Requests in the last minute"),
		latency:  desc("average_latency_ms", "Average response latency in milliseconds"),
		errRate:  desc("error_ratio", "Share of responses with status >= 400"),
		peakRPS:  desc("peak_requests_per_second", "Highest observed requests per second"),
		requests: desc("requests_total", "Requests recorded since start or reset"),
		errors:   desc("errors_total", "Error responses recorded since start or reset"),
	}
}

func (c *trafficCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rps
	ch <- c.rpm
	ch <- c.latency
	ch <- c.errRate
	ch <- c.peakRPS
	ch <- c.requests
	ch <- c.errors
}

func (c *trafficCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.CurrentStats()
	ch <- prometheus.MustNewConstMetric(c.rps, prometheus.GaugeValue, s.RequestsPerSecond)
	ch <- prometheus.MustNewConstMetric(c.rpm, prometheus.GaugeValue, float64(s.RequestsPerMinute))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.AverageLatencyMS)
	ch <- prometheus.MustNewConstMetric(c.errRate, prometheus.GaugeValue, s.ErrorRate)
	ch <- prometheus.MustNewConstMetric(c.peakRPS, prometheus.GaugeValue, s.PeakRPS)
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.TotalErrors))
}

// registryCollector exports every available registry path as one labelled gauge.
type registryCollector struct {
	source *Registry
	value  *prometheus.Desc
}

func newRegistryCollector(source *Registry) *registryCollector {
	return &registryCollector{
		source: source,
		value: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "metric_value"),
			"Current value of a named metric path",
			[]string{"path"}, nil,
		),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for path, value := range c.source.Snapshot() {
		if strings.HasPrefix(path, "application.") {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, value, path)
	}
}

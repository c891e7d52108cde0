package domain

// Metric paths served by the metric registry and referenced by default rules.
const (
	MetricCPUOverall        = "system.cpu.overall"
	MetricMemoryUsage       = "system.memory.usagePercent"
	MetricLoad1             = "system.load.load1"
	MetricLoad5             = "system.load.load5"
	MetricLoad15            = "system.load.load15"
	MetricResponseTime      = "application.response_time"
	MetricErrorRate         = "application.error_rate"
	MetricRequestsPerSecond = "application.requests_per_second"
)

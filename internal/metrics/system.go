package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"

	"github.com/prometheus/procfs"
)

// Extra metric paths served next to the alertable ones in domain.
const (
	MetricCPUCores          = "system.cpu.cores"
	MetricMemoryTotal       = "system.memory.total"
	MetricMemoryUsed        = "system.memory.used"
	MetricMemoryFree        = "system.memory.free"
	MetricProcessHeap       = "process.memory.heapUsed"
	MetricProcessRSS        = "process.memory.rss"
	MetricProcessGoroutines = "process.goroutines"
	MetricProcessCPU        = "process.cpu.seconds"
	MetricProcessUptime     = "process.uptime"
	MetricRequestsPerMinute = "application.requests_per_minute"
	MetricPeakRPS           = "application.peak_rps"
)

// HostReader reads host-wide counters. procfs.FS implements it.
type HostReader interface {
	Stat() (procfs.Stat, error)
	Meminfo() (procfs.Meminfo, error)
	LoadAvg() (*procfs.LoadAvg, error)
}

// SelfReader reads the current process stat line.
type SelfReader func() (procfs.ProcStat, error)

// CPUStats is host CPU utilisation in percent.
type CPUStats struct {
	Overall float64 `json:"overall"`
	User    float64 `json:"user"`
	System  float64 `json:"system"`
	Idle    float64 `json:"idle"`
	Cores   int     `json:"cores"`
}

// MemoryStats is host memory in bytes.
type MemoryStats struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	UsagePercent float64 `json:"usagePercent"`
}

// LoadStats is the host load average.
type LoadStats struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// SystemSnapshot is one host sample.
type SystemSnapshot struct {
	CPU       CPUStats    `json:"cpu"`
	Memory    MemoryStats `json:"memory"`
	Load      LoadStats   `json:"load"`
	Available bool        `json:"available"`
	SampledAt time.Time   `json:"sampledAt"`
}

// ProcessSnapshot is one sample of this process.
type ProcessSnapshot struct {
	PID            int       `json:"pid"`
	Goroutines     int       `json:"goroutines"`
	HeapAllocBytes uint64    `json:"heapAlloc"`
	HeapSysBytes   uint64    `json:"heapSys"`
	RSSBytes       uint64    `json:"rss"`
	CPUSeconds     float64   `json:"cpuSeconds"`
	NumGC          uint32    `json:"numGc"`
	UptimeSec      float64   `json:"uptime"`
	SampledAt      time.Time `json:"sampledAt"`
}

// SystemCollector samples host and process metrics on demand.
// Params: host reader, self reader, clock, and logger.
// Returns: last sampled snapshots and registry bindings.
type SystemCollector struct {
	mu      sync.RWMutex
	host    HostReader
	self    SelfReader
	clock   clock.Clock
	logger  *slog.Logger
	started time.Time

	prevCPU *procfs.CPUStat
	system  SystemSnapshot
	process ProcessSnapshot
}

// NewSystemCollector creates a collector over the procfs mount.
// A missing procfs leaves host metrics unavailable; process runtime stats still work.
// Params: procfs root, clock, and logger.
// Returns: collector and the procfs open error, if any.
func NewSystemCollector(procRoot string, clk clock.Clock, logger *slog.Logger) (*SystemCollector, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return newSystemCollector(nil, nil, clk, logger), fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	self := func() (procfs.ProcStat, error) {
		proc, err := fs.Self()
		if err != nil {
			return procfs.ProcStat{}, err
		}
		return proc.Stat()
	}
	return newSystemCollector(fs, self, clk, logger), nil
}

func newSystemCollector(host HostReader, self SelfReader, clk clock.Clock, logger *slog.Logger) *SystemCollector {
	clk = clock.OrReal(clk)
	return &SystemCollector{
		host:    host,
		self:    self,
		clock:   clk,
		logger:  logging.Component(logger, "system-metrics"),
		started: clk.Now(),
	}
}

// Sample refreshes host and process snapshots.
// Partial failures keep the previous value for the failing group.
// Returns: joined read errors.
func (c *SystemCollector) Sample() error {
	now := c.clock.Now()
	var errs []error

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.host != nil {
		next := c.system
		next.SampledAt = now
		if stat, err := c.host.Stat(); err != nil {
			errs = append(errs, fmt.Errorf("read /proc/stat: %w", err))
		} else {
			next.CPU = cpuPercent(c.prevCPU, stat.CPUTotal)
			next.CPU.Cores = len(stat.CPU)
			total := stat.CPUTotal
			c.prevCPU = &total
			next.Available = true
		}
		if info, err := c.host.Meminfo(); err != nil {
			errs = append(errs, fmt.Errorf("read /proc/meminfo: %w", err))
		} else {
			next.Memory = memoryStats(info)
		}
		if load, err := c.host.LoadAvg(); err != nil {
			errs = append(errs, fmt.Errorf("read /proc/loadavg: %w", err))
		} else if load != nil {
			next.Load = LoadStats{Load1: load.Load1, Load5: load.Load5, Load15: load.Load15}
		}
		c.system = next
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	process := ProcessSnapshot{
		PID:            os.Getpid(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		HeapSysBytes:   mem.HeapSys,
		NumGC:          mem.NumGC,
		UptimeSec:      now.Sub(c.started).Seconds(),
		SampledAt:      now,
		RSSBytes:       c.process.RSSBytes,
		CPUSeconds:     c.process.CPUSeconds,
	}
	if c.self != nil {
		if stat, err := c.self(); err != nil {
			errs = append(errs, fmt.Errorf("read /proc/self/stat: %w", err))
		} else {
			process.RSSBytes = uint64(stat.ResidentMemory())
			process.CPUSeconds = stat.CPUTime()
		}
	}
	c.process = process

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Debug("system sample incomplete", "error", err)
	}
	return err
}

// System returns the last host snapshot.
func (c *SystemCollector) System() SystemSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

// Process returns the last process snapshot.
func (c *SystemCollector) Process() ProcessSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.process
}

// Register binds system and process paths on r.
// Host paths report unavailable until the first successful /proc/stat read.
func (c *SystemCollector) Register(r *Registry) {
	host := func(read func(SystemSnapshot) float64) Getter {
		return func() (float64, bool) {
			snapshot := c.System()
			if !snapshot.Available {
				return 0, false
			}
			return read(snapshot), true
		}
	}
	proc := func(read func(ProcessSnapshot) float64) Getter {
		return func() (float64, bool) {
			snapshot := c.Process()
			if snapshot.SampledAt.IsZero() {
				return 0, false
			}
			return read(snapshot), true
		}
	}

	r.Register(domain.MetricCPUOverall, host(func(s SystemSnapshot) float64 { return s.CPU.Overall }))
	r.Register(MetricCPUCores, host(func(s SystemSnapshot) float64 { return float64(s.CPU.Cores) }))
	r.Register(domain.MetricMemoryUsage, host(func(s SystemSnapshot) float64 { return s.Memory.UsagePercent }))
	r.Register(MetricMemoryTotal, host(func(s SystemSnapshot) float64 { return float64(s.Memory.Total) }))
	r.Register(MetricMemoryUsed, host(func(s SystemSnapshot) float64 { return float64(s.Memory.Used) }))
	r.Register(MetricMemoryFree, host(func(s SystemSnapshot) float64 { return float64(s.Memory.Free) }))
	r.Register(domain.MetricLoad1, host(func(s SystemSnapshot) float64 { return s.Load.Load1 }))
	r.Register(domain.MetricLoad5, host(func(s SystemSnapshot) float64 { return s.Load.Load5 }))
	r.Register(domain.MetricLoad15, host(func(s SystemSnapshot) float64 { return s.Load.Load15 }))

	r.Register(MetricProcessHeap, proc(func(s ProcessSnapshot) float64 { return float64(s.HeapAllocBytes) }))
	r.Register(MetricProcessRSS, proc(func(s ProcessSnapshot) float64 { return float64(s.RSSBytes) }))
	r.Register(MetricProcessGoroutines, proc(func(s ProcessSnapshot) float64 { return float64(s.Goroutines) }))
	r.Register(MetricProcessCPU, proc(func(s ProcessSnapshot) float64 { return s.CPUSeconds }))
	r.Register(MetricProcessUptime, proc(func(s ProcessSnapshot) float64 { return s.UptimeSec }))
}

// cpuPercent derives utilisation from the delta between two cumulative samples.
// Without a previous sample the since-boot ratio is used.
func cpuPercent(prev *procfs.CPUStat, cur procfs.CPUStat) CPUStats {
	base := procfs.CPUStat{}
	if prev != nil {
		base = *prev
	}
	idle := (cur.Idle + cur.Iowait) - (base.Idle + base.Iowait)
	user := (cur.User + cur.Nice) - (base.User + base.Nice)
	system := (cur.System + cur.IRQ + cur.SoftIRQ) - (base.System + base.IRQ + base.SoftIRQ)
	total := cpuTotal(cur) - cpuTotal(base)
	if total <= 0 {
		if prev == nil {
			return CPUStats{}
		}
		return cpuPercent(nil, cur)
	}
	return CPUStats{
		Overall: clampPercent(100 * (1 - idle/total)),
		User:    clampPercent(100 * user / total),
		System:  clampPercent(100 * system / total),
		Idle:    clampPercent(100 * idle / total),
	}
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

// memoryStats converts kB meminfo counters into bytes.
// MemAvailable is preferred over MemFree when the kernel reports it.
func memoryStats(info procfs.Meminfo) MemoryStats {
	if info.MemTotal == nil || *info.MemTotal == 0 {
		return MemoryStats{}
	}
	total := *info.MemTotal * 1024
	var free uint64
	switch {
	case info.MemAvailable != nil:
		free = *info.MemAvailable * 1024
	case info.MemFree != nil:
		free = *info.MemFree * 1024
	}
	if free > total {
		free = total
	}
	used := total - free
	return MemoryStats{
		Total:        total,
		Used:         used,
		Free:         free,
		UsagePercent: clampPercent(100 * float64(used) / float64(total)),
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

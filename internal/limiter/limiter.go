package limiter

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"

	lru "github.com/hashicorp/golang-lru"
)

const (
	burstWindow      = time.Minute
	burstHistoryCap  = 100
	offenseWindow    = 15 * time.Minute
	newcomerRequests = 10

	// AlgorithmAdaptive names quota computation in rejection payloads.
	AlgorithmAdaptive = "adaptive"
)

// StatsProvider supplies the current traffic snapshot.
type StatsProvider interface {
	CurrentStats() domain.TrafficSnapshot
}

// ResourceSource reads host resource metrics by path.
type ResourceSource interface {
	MetricValue(path string) (float64, bool)
}

// Config bounds computed quotas.
type Config struct {
	BaseLimit      int
	MinLimit       int
	MaxLimit       int
	MaxIdentifiers int
	ResourceAware  bool
	Algorithm      string
}

// ConfigFrom converts the [limiter] section and enforcement backend name.
func ConfigFrom(cfg config.LimiterConfig, backend string) Config {
	return Config{
		BaseLimit:      cfg.BaseLimit,
		MinLimit:       cfg.MinLimit,
		MaxLimit:       cfg.MaxLimit,
		MaxIdentifiers: cfg.MaxIdentifiers,
		ResourceAware:  cfg.ResourceAware,
		Algorithm:      AlgorithmAdaptive + "/" + backend,
	}
}

// Limiter computes per-identifier quotas from traffic, burst, resource, reputation, and penalty factors.
// Params: limit bounds, stats provider, optional resource source, clock, and logger.
// Returns: concurrency-safe adaptive limiter.
type Limiter struct {
	cfg       Config
	stats     StatsProvider
	resources ResourceSource
	clock     clock.Clock
	logger    *slog.Logger

	createMu  sync.Mutex
	profiles  *lru.Cache
	evictions atomic.Int64
}

// profile holds one identifier's request and offense history.
type profile struct {
	mu            sync.Mutex
	identifier    string
	recent        []time.Time
	offenses      []time.Time
	totalRequests int64
	lastSeenAt    time.Time
	lastQuota     domain.Quota
	hasQuota      bool
}

// New creates adaptive limiter.
// Params: config (validated), stats provider (nil fails open), optional resource source, clock, and logger.
// Returns: limiter or configuration error.
func New(cfg Config, stats StatsProvider, resources ResourceSource, clk clock.Clock, logger *slog.Logger) (*Limiter, error) {
	if err := config.ValidateLimits(cfg.BaseLimit, cfg.MinLimit, cfg.MaxLimit); err != nil {
		return nil, err
	}
	if cfg.MaxIdentifiers <= 0 {
		cfg.MaxIdentifiers = 10000
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmAdaptive
	}

	l := &Limiter{
		cfg:       cfg,
		stats:     stats,
		resources: resources,
		clock:     clock.OrReal(clk),
		logger:    logging.Component(logger, "limiter"),
	}
	cache, err := lru.NewWithEvict(cfg.MaxIdentifiers, func(key, _ interface{}) {
		l.evictions.Add(1)
		l.logger.Debug("identifier profile evicted", "identifier", key)
	})
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	l.profiles = cache
	return l, nil
}

// ComputeQuota records one request for identifier and returns its current quota.
// Params: identifier and request metadata (zero At takes clock time).
// Returns: window/max quota with factor breakdown; never fails.
func (l *Limiter) ComputeQuota(identifier string, meta domain.RequestMeta) domain.Quota {
	now := meta.At
	if now.IsZero() {
		now = l.clock.Now()
	}
	stats := l.snapshot()

	p := l.profile(identifier)
	p.mu.Lock()
	burst := burstLocked(p, now)
	reputation := reputationLocked(p)
	penalty := penaltyLocked(p, now)
	p.mu.Unlock()

	factors := domain.Factors{
		Traffic:    TrafficMultiplier(stats),
		Burst:      burst,
		Resource:   l.ResourceFactor(),
		Reputation: reputation,
		Penalty:    penalty,
	}
	quota := domain.Quota{
		WindowMS: WindowSize(stats).Milliseconds(),
		Max:      l.clamp(math.Round(float64(l.cfg.BaseLimit) * factors.Product())),
		Factors:  factors,
	}

	p.mu.Lock()
	p.lastQuota = quota
	p.hasQuota = true
	p.mu.Unlock()

	l.logger.Debug("quota computed",
		"identifier", identifier,
		"max", quota.Max,
		"window_ms", quota.WindowMS,
		"traffic", factors.Traffic,
		"burst", factors.Burst,
		"resource", factors.Resource,
		"reputation", factors.Reputation,
		"penalty", factors.Penalty,
	)
	return quota
}

// OnLimitExceeded records an offense for identifier and builds the rejection payload.
func (l *Limiter) OnLimitExceeded(identifier string) domain.Rejection {
	now := l.clock.Now()
	p := l.profile(identifier)

	p.mu.Lock()
	p.offenses = append(p.offenses, now)
	quota := p.lastQuota
	hasQuota := p.hasQuota
	offenses := len(p.offenses)
	p.mu.Unlock()

	if !hasQuota {
		quota = domain.Quota{
			WindowMS: WindowSize(l.snapshot()).Milliseconds(),
			Max:      l.cfg.BaseLimit,
		}
	}

	l.logger.Warn("rate limit exceeded", "identifier", identifier, "limit", quota.Max, "offenses", offenses)
	return domain.Rejection{
		Error:         "Too Many Requests",
		Message:       "Rate limit exceeded, please retry later.",
		Limit:         quota.Max,
		WindowMS:      quota.WindowMS,
		RetryAfterSec: int64(math.Ceil(float64(quota.WindowMS) / 1000)),
		Algorithm:     l.cfg.Algorithm,
	}
}

// BurstFactor counts identifier requests in the last minute, then records the current one.
// Returns: max(0.5, 1 - recent/100).
func (l *Limiter) BurstFactor(identifier string) float64 {
	p := l.profile(identifier)
	p.mu.Lock()
	defer p.mu.Unlock()
	return burstLocked(p, l.clock.Now())
}

// ReputationFactor returns 1.2 for identifiers with fewer than ten recorded requests.
func (l *Limiter) ReputationFactor(identifier string) float64 {
	p := l.profile(identifier)
	p.mu.Lock()
	defer p.mu.Unlock()
	return reputationLocked(p)
}

// PenaltyFactor prunes offenses older than 15 minutes and returns max(0.5, 1 - 0.1*offenses).
func (l *Limiter) PenaltyFactor(identifier string) float64 {
	p := l.profile(identifier)
	p.mu.Lock()
	defer p.mu.Unlock()
	return penaltyLocked(p, l.clock.Now())
}

// ResourceFactor scales quotas down under CPU or memory pressure when enabled.
func (l *Limiter) ResourceFactor() float64 {
	if !l.cfg.ResourceAware || l.resources == nil {
		return 1.0
	}
	usage := 0.0
	for _, path := range []string{domain.MetricCPUOverall, domain.MetricMemoryUsage} {
		if value, ok := l.resources.MetricValue(path); ok && value > usage {
			usage = value
		}
	}
	switch {
	case usage > 90:
		return 0.5
	case usage > 75:
		return 0.8
	default:
		return 1.0
	}
}

// TrafficMultiplier maps a traffic snapshot to a load factor.
// Checks run in order RPS, error rate, latency and the first match wins.
func TrafficMultiplier(s domain.TrafficSnapshot) float64 {
	switch {
	case s.RequestsPerSecond > 1000:
		return 0.5
	case s.RequestsPerSecond > 500:
		return 0.7
	case s.RequestsPerSecond > 100:
		return 0.9
	case s.ErrorRate > 0.10:
		return 0.6
	case s.ErrorRate > 0.05:
		return 0.8
	case s.AverageLatencyMS > 1000:
		return 0.7
	case s.AverageLatencyMS > 500:
		return 0.9
	default:
		return 1.0
	}
}

// WindowSize picks the quota window from request rate.
func WindowSize(s domain.TrafficSnapshot) time.Duration {
	switch {
	case s.RequestsPerSecond > 100:
		return time.Minute
	case s.RequestsPerSecond > 10:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

func burstLocked(p *profile, now time.Time) float64 {
	cutoff := now.Add(-burstWindow)
	recent := 0
	for _, at := range p.recent {
		if at.After(cutoff) {
			recent++
		}
	}

	p.recent = append(p.recent, now)
	if len(p.recent) > burstHistoryCap {
		p.recent = append(p.recent[:0:0], p.recent[len(p.recent)-burstHistoryCap:]...)
	}
	p.totalRequests++
	p.lastSeenAt = now

	return math.Max(0.5, 1-float64(recent)/100)
}

func reputationLocked(p *profile) float64 {
	if p.totalRequests < newcomerRequests {
		return 1.2
	}
	return 1.0
}

func penaltyLocked(p *profile, now time.Time) float64 {
	cutoff := now.Add(-offenseWindow)
	kept := p.offenses[:0]
	for _, at := range p.offenses {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.offenses = kept
	return math.Max(0.5, 1-0.1*float64(len(p.offenses)))
}

func (l *Limiter) clamp(value float64) int {
	switch {
	case value < float64(l.cfg.MinLimit):
		return l.cfg.MinLimit
	case value > float64(l.cfg.MaxLimit):
		return l.cfg.MaxLimit
	default:
		return int(value)
	}
}

// snapshot reads current stats; a nil provider yields the zero snapshot.
func (l *Limiter) snapshot() domain.TrafficSnapshot {
	if l.stats == nil {
		return domain.TrafficSnapshot{}
	}
	return l.stats.CurrentStats()
}

func (l *Limiter) profile(identifier string) *profile {
	if value, ok := l.profiles.Get(identifier); ok {
		return value.(*profile)
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()
	if value, ok := l.profiles.Get(identifier); ok {
		return value.(*profile)
	}
	p := &profile{identifier: identifier}
	l.profiles.Add(identifier, p)
	return p
}

// Profile is a read-only view of one identifier's history.
type Profile struct {
	Identifier     string        `json:"identifier"`
	RecentRequests int           `json:"recentRequests"`
	ActiveOffenses int           `json:"activeOffenses"`
	TotalRequests  int64         `json:"totalRequests"`
	LastSeenAt     time.Time     `json:"lastSeenAt"`
	LastQuota      *domain.Quota `json:"lastQuota,omitempty"`
}

// Profile returns identifier history without refreshing its LRU position.
func (l *Limiter) Profile(identifier string) (Profile, bool) {
	value, ok := l.profiles.Peek(identifier)
	if !ok {
		return Profile{}, false
	}
	p := value.(*profile)
	now := l.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	view := Profile{
		Identifier:    p.identifier,
		TotalRequests: p.totalRequests,
		LastSeenAt:    p.lastSeenAt,
	}
	for _, at := range p.recent {
		if at.After(now.Add(-burstWindow)) {
			view.RecentRequests++
		}
	}
	for _, at := range p.offenses {
		if at.After(now.Add(-offenseWindow)) {
			view.ActiveOffenses++
		}
	}
	if p.hasQuota {
		quota := p.lastQuota
		view.LastQuota = &quota
	}
	return view, true
}

// Stats summarizes limiter state.
type Stats struct {
	TrackedIdentifiers int    `json:"trackedIdentifiers"`
	MaxIdentifiers     int    `json:"maxIdentifiers"`
	ActiveOffenses     int    `json:"activeOffenses"`
	Evictions          int64  `json:"evictions"`
	BaseLimit          int    `json:"baseLimit"`
	MinLimit           int    `json:"minLimit"`
	MaxLimit           int    `json:"maxLimit"`
	Algorithm          string `json:"algorithm"`
}

// Stats returns tracked identifier count and active offense total.
func (l *Limiter) Stats() Stats {
	now := l.clock.Now()
	stats := Stats{
		TrackedIdentifiers: l.profiles.Len(),
		MaxIdentifiers:     l.cfg.MaxIdentifiers,
		Evictions:          l.evictions.Load(),
		BaseLimit:          l.cfg.BaseLimit,
		MinLimit:           l.cfg.MinLimit,
		MaxLimit:           l.cfg.MaxLimit,
		Algorithm:          l.cfg.Algorithm,
	}
	for _, key := range l.profiles.Keys() {
		value, ok := l.profiles.Peek(key)
		if !ok {
			continue
		}
		p := value.(*profile)
		p.mu.Lock()
		for _, at := range p.offenses {
			if at.After(now.Add(-offenseWindow)) {
				stats.ActiveOffenses++
			}
		}
		p.mu.Unlock()
	}
	return stats
}

// Reset drops every identifier profile.
func (l *Limiter) Reset() {
	l.createMu.Lock()
	defer l.createMu.Unlock()
	evictions := l.evictions.Load()
	l.profiles.Purge()
	l.evictions.Store(evictions)
	l.logger.Info("identifier profiles reset")
}

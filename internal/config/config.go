package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ratewatch/internal/domain"
	"ratewatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "ratewatch"
	defaultListen              = ":8080"
	defaultStatsIntervalSec    = 30
	defaultAlertIntervalSec    = 30
	defaultBroadcastIntervalMS = 2000
	defaultShutdownTimeoutSec  = 10

	defaultRetentionSec     = 3600
	defaultStatsWindowSec   = 60
	defaultPatternWindowSec = 300
	defaultPruneBatch       = 1000

	defaultBaseLimit      = 100
	defaultMinLimit       = 10
	defaultMaxLimit       = 1000
	defaultMaxIdentifiers = 10000

	defaultMaxHistory          = 1000
	defaultHistoryRetentionSec = 86400
	defaultEventBuffer         = 256
	defaultDispatchTimeoutSec  = 10

	defaultIngestPath      = "/ingest"
	defaultIngestSkewSec   = 300
	defaultNATSURL         = "nats://127.0.0.1:4222"
	defaultNATSSubject     = "ratewatch.events"
	defaultNATSQueueGroup  = "ratewatch-ingest"
	defaultBroadcastPrefix = "ratewatch"
	defaultWSPath          = "/ws"
	defaultMetricsPath     = "/metrics"
	defaultProcRoot        = "/proc"

	// EnforceMemory keeps fixed-window counters in process memory.
	EnforceMemory = "memory"
	// EnforceRedis keeps fixed-window counters in a shared Redis.
	EnforceRedis = "redis"
	// EnforceTokenBucket refills a per-identifier token bucket.
	EnforceTokenBucket = "token_bucket"
)

// Config holds service runtime settings, rules, and channels.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Limiter   LimiterConfig   `toml:"limiter"`
	Enforce   EnforceConfig   `toml:"enforce"`
	Alerting  AlertingConfig  `toml:"alerting"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Ingest    IngestConfig    `toml:"ingest"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Rule      []RuleConfig    `toml:"rule"`
	Channel   []ChannelConfig `toml:"channel"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule/channel maps keyed by table name.
type rawConfig struct {
	Service   ServiceConfig            `toml:"service"`
	Log       LogConfig                `toml:"log"`
	Monitor   MonitorConfig            `toml:"monitor"`
	Limiter   LimiterConfig            `toml:"limiter"`
	Enforce   EnforceConfig            `toml:"enforce"`
	Alerting  AlertingConfig           `toml:"alerting"`
	Broadcast BroadcastConfig          `toml:"broadcast"`
	Ingest    IngestConfig             `toml:"ingest"`
	Metrics   MetricsConfig            `toml:"metrics"`
	Rule      map[string]RuleConfig    `toml:"rule"`
	Channel   map[string]ChannelConfig `toml:"channel"`
}

// ServiceConfig contains process-level settings.
// Params: name, listen address, tick intervals, and admin credentials.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                string `toml:"name"`
	Listen              string `toml:"listen"`
	StatsIntervalSec    int    `toml:"stats_interval_sec"`
	AlertIntervalSec    int    `toml:"alert_interval_sec"`
	BroadcastIntervalMS int    `toml:"broadcast_interval_ms"`
	ShutdownTimeoutSec  int    `toml:"shutdown_timeout_sec"`
	AdminToken          string `toml:"admin_token"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// MonitorConfig controls traffic log retention and statistic windows.
type MonitorConfig struct {
	RetentionSec     int                 `toml:"retention_sec"`
	StatsWindowSec   int                 `toml:"stats_window_sec"`
	PatternWindowSec int                 `toml:"pattern_window_sec"`
	PruneBatch       int                 `toml:"prune_batch"`
	Health           MonitorHealthConfig `toml:"health"`
}

// MonitorHealthConfig holds ordered health classification thresholds.
type MonitorHealthConfig struct {
	HighLoadRPS       float64 `toml:"high_load_rps"`
	MediumLoadRPS     float64 `toml:"medium_load_rps"`
	ErrorCritical     float64 `toml:"error_critical"`
	ErrorWarning      float64 `toml:"error_warning"`
	LatencyCriticalMS float64 `toml:"latency_critical_ms"`
	LatencyWarningMS  float64 `toml:"latency_warning_ms"`
}

// LimiterConfig controls adaptive quota bounds.
// Params: base/min/max limits, identifier cache size, and resource awareness.
// Returns: limiter behavior.
type LimiterConfig struct {
	BaseLimit      int      `toml:"base_limit"`
	MinLimit       int      `toml:"min_limit"`
	MaxLimit       int      `toml:"max_limit"`
	MaxIdentifiers int      `toml:"max_identifiers"`
	ResourceAware  bool     `toml:"resource_aware"`
	SkipPaths      []string `toml:"skip_paths"`
}

// EnforceConfig selects the limiting mechanism consuming computed quotas.
type EnforceConfig struct {
	Backend   string             `toml:"backend"`
	KeyPrefix string             `toml:"key_prefix"`
	Redis     RedisEnforceConfig `toml:"redis"`
}

// RedisEnforceConfig configures the shared counter store.
type RedisEnforceConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	DialTimeoutMS int    `toml:"dial_timeout_ms"`
}

// AlertingConfig controls evaluator bookkeeping.
type AlertingConfig struct {
	DisableDefaultRules bool     `toml:"disable_default_rules"`
	DefaultChannels     []string `toml:"default_channels"`
	MaxHistory          int      `toml:"max_history"`
	HistoryRetentionSec int      `toml:"history_retention_sec"`
	EventBuffer         int      `toml:"event_buffer"`
	DispatchTimeoutSec  int      `toml:"dispatch_timeout_sec"`
}

// RuleConfig describes one alert rule from `[rule.<id>]`.
// Params: metric, comparison, sustain/suppress seconds, severity, and channels.
// Returns: runtime rule definition.
type RuleConfig struct {
	ID          string   `toml:"-"`
	Name        string   `toml:"name"`
	Metric      string   `toml:"metric"`
	Operator    string   `toml:"operator"`
	Threshold   float64  `toml:"threshold"`
	DurationSec int      `toml:"duration_sec"`
	Severity    string   `toml:"severity"`
	Enabled     *bool    `toml:"enabled"`
	Channels    []string `toml:"channels"`
	SuppressSec int      `toml:"suppress_sec"`
}

// ChannelConfig describes one notification channel from `[channel.<id>]`.
// Params: transport type and transport-specific settings.
// Returns: channel definition for notify factory.
type ChannelConfig struct {
	ID         string            `toml:"-"`
	Type       string            `toml:"type"`
	Enabled    *bool             `toml:"enabled"`
	Template   string            `toml:"template"`
	TimeoutSec int               `toml:"timeout_sec"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	Headers    map[string]string `toml:"headers"`
	Retry      RetryConfig       `toml:"retry"`
	BotToken   string            `toml:"bot_token"`
	ChatID     string            `toml:"chat_id"`
	APIBase    string            `toml:"api_base"`
	BaseURL    string            `toml:"base_url"`
	ChannelID  string            `toml:"channel_id"`
	SMTPHost   string            `toml:"smtp_host"`
	SMTPPort   int               `toml:"smtp_port"`
	Username   string            `toml:"username"`
	Password   string            `toml:"password"`
	From       string            `toml:"from"`
	To         []string          `toml:"to"`
}

// RetryConfig configures in-channel delivery retries.
// Params: retry toggle, backoff bounds, and attempt limit.
// Returns: retry policy for one channel.
type RetryConfig struct {
	Enabled     bool `toml:"enabled"`
	InitialMS   int  `toml:"initial_ms"`
	MaxMS       int  `toml:"max_ms"`
	MaxAttempts int  `toml:"max_attempts"`
}

// BroadcastConfig controls observer fan-out.
type BroadcastConfig struct {
	WebSocket WebSocketConfig   `toml:"websocket"`
	NATS      NATSPublishConfig `toml:"nats"`
}

// WebSocketConfig configures the dashboard websocket endpoint.
type WebSocketConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NATSPublishConfig configures broadcast publishing to NATS subjects.
type NATSPublishConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	SubjectPrefix string   `toml:"subject_prefix"`
}

// IngestConfig defines inbound event interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	MaxClockSkewSec int              `toml:"max_clock_skew_sec"`
	HTTP            HTTPIngestConfig `toml:"http"`
	NATS            NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP event ingestion endpoints.
// Params: enable flag, path prefix, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Path         string `toml:"path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures queue-group ingestion.
// Params: connection URLs, subject root, and queue group.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled    bool     `toml:"enabled"`
	URL        []string `toml:"url"`
	Subject    string   `toml:"subject"`
	QueueGroup string   `toml:"queue_group"`
}

// MetricsConfig controls system sampling and Prometheus exposition.
type MetricsConfig struct {
	Enabled           bool   `toml:"enabled"`
	Path              string `toml:"path"`
	ProcRoot          string `toml:"proc_root"`
	SampleIntervalSec int    `toml:"sample_interval_sec"`
}

// ConfigSource describes file or directory config source.
// Params: at most one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// Empty reports whether no config source was given.
func (s ConfigSource) Empty() bool {
	return s.File == "" && s.Dir == ""
}

// Load loads, overlays environment, defaults, and validates configuration.
// Params: source selects file, directory, or defaults-only mode.
// Returns: validated config or load/validation error.
func Load(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	switch {
	case src.File != "":
		cfg, err = loadFile(src.File)
	case src.Dir != "":
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}

	if err := LoadDotEnv(src); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates one in-memory TOML document.
// Params: TOML document bytes.
// Returns: validated config without environment overlay.
func Parse(body []byte) (Config, error) {
	cfg, err := decode(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StatsInterval returns stats/cleanup tick period.
func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.Service.StatsIntervalSec) * time.Second
}

// AlertInterval returns alert evaluation tick period.
func (c Config) AlertInterval() time.Duration {
	return time.Duration(c.Service.AlertIntervalSec) * time.Second
}

// IngestClockSkew returns how far ingested timestamps may stray from the local clock.
func (c Config) IngestClockSkew() time.Duration {
	return time.Duration(c.Ingest.MaxClockSkewSec) * time.Second
}

// BroadcastInterval returns observer broadcast tick period.
func (c Config) BroadcastInterval() time.Duration {
	return time.Duration(c.Service.BroadcastIntervalMS) * time.Millisecond
}

// ToDomain converts one rule config to evaluator rule.
// Params: normalized rule config.
// Returns: domain rule or conversion error.
func (r RuleConfig) ToDomain() (domain.AlertRule, error) {
	op, err := domain.ParseOperator(r.Operator)
	if err != nil {
		return domain.AlertRule{}, err
	}
	severity, err := domain.ParseSeverity(r.Severity)
	if err != nil {
		return domain.AlertRule{}, err
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	name := r.Name
	if strings.TrimSpace(name) == "" {
		name = r.ID
	}
	return domain.AlertRule{
		ID:               r.ID,
		Name:             name,
		Metric:           r.Metric,
		Operator:         op,
		Threshold:        r.Threshold,
		Duration:         time.Duration(r.DurationSec) * time.Second,
		Severity:         severity,
		Enabled:          enabled,
		Channels:         append([]string(nil), r.Channels...),
		SuppressDuration: time.Duration(r.SuppressSec) * time.Second,
	}, nil
}

// IsEnabled reports channel enabled flag, defaulting to true.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// decode parses one TOML document into normalized config.
func decode(body []byte) (Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, err
	}
	return normalizeRawConfig(raw), nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with rules and channels sorted by id.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Monitor:   raw.Monitor,
		Limiter:   raw.Limiter,
		Enforce:   raw.Enforce,
		Alerting:  raw.Alerting,
		Broadcast: raw.Broadcast,
		Ingest:    raw.Ingest,
		Metrics:   raw.Metrics,
	}
	for _, id := range sortedKeys(raw.Rule) {
		rule := raw.Rule[id]
		rule.ID = id
		cfg.Rule = append(cfg.Rule, rule)
	}
	for _, id := range sortedKeys(raw.Channel) {
		channel := raw.Channel[id]
		channel.ID = id
		cfg.Channel = append(cfg.Channel, channel)
	}
	return cfg
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := decode(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Monitor != (MonitorConfig{}) {
		dst.Monitor = src.Monitor
	}
	if !isZeroLimiter(src.Limiter) {
		dst.Limiter = src.Limiter
	}
	if src.Enforce != (EnforceConfig{}) {
		dst.Enforce = src.Enforce
	}
	if !isZeroAlerting(src.Alerting) {
		dst.Alerting = src.Alerting
	}
	if src.Broadcast.WebSocket != (WebSocketConfig{}) {
		dst.Broadcast.WebSocket = src.Broadcast.WebSocket
	}
	if src.Broadcast.NATS.Enabled || len(src.Broadcast.NATS.URL) > 0 || src.Broadcast.NATS.SubjectPrefix != "" {
		dst.Broadcast.NATS = src.Broadcast.NATS
	}
	if src.Ingest.MaxClockSkewSec != 0 {
		dst.Ingest.MaxClockSkewSec = src.Ingest.MaxClockSkewSec
	}
	if src.Ingest.HTTP != (HTTPIngestConfig{}) {
		dst.Ingest.HTTP = src.Ingest.HTTP
	}
	if src.Ingest.NATS.Enabled || len(src.Ingest.NATS.URL) > 0 || src.Ingest.NATS.Subject != "" || src.Ingest.NATS.QueueGroup != "" {
		dst.Ingest.NATS = src.Ingest.NATS
	}
	if src.Metrics != (MetricsConfig{}) {
		dst.Metrics = src.Metrics
	}
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.Channel = append(dst.Channel, src.Channel...)
}

func isZeroLimiter(cfg LimiterConfig) bool {
	return cfg.BaseLimit == 0 && cfg.MinLimit == 0 && cfg.MaxLimit == 0 &&
		cfg.MaxIdentifiers == 0 && !cfg.ResourceAware && len(cfg.SkipPaths) == 0
}

func isZeroAlerting(cfg AlertingConfig) bool {
	return !cfg.DisableDefaultRules && len(cfg.DefaultChannels) == 0 && cfg.MaxHistory == 0 &&
		cfg.HistoryRetentionSec == 0 && cfg.EventBuffer == 0 && cfg.DispatchTimeoutSec == 0
}

// applyDefaults fills zero values with runtime defaults.
// Params: cfg pointer to normalize in place.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		cfg.Service.Listen = defaultListen
	}
	if cfg.Service.StatsIntervalSec <= 0 {
		cfg.Service.StatsIntervalSec = defaultStatsIntervalSec
	}
	if cfg.Service.AlertIntervalSec <= 0 {
		cfg.Service.AlertIntervalSec = defaultAlertIntervalSec
	}
	if cfg.Service.BroadcastIntervalMS <= 0 {
		cfg.Service.BroadcastIntervalMS = defaultBroadcastIntervalMS
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if cfg.Monitor.RetentionSec <= 0 {
		cfg.Monitor.RetentionSec = defaultRetentionSec
	}
	if cfg.Monitor.StatsWindowSec <= 0 {
		cfg.Monitor.StatsWindowSec = defaultStatsWindowSec
	}
	if cfg.Monitor.PatternWindowSec <= 0 {
		cfg.Monitor.PatternWindowSec = defaultPatternWindowSec
	}
	if cfg.Monitor.PruneBatch <= 0 {
		cfg.Monitor.PruneBatch = defaultPruneBatch
	}
	health := &cfg.Monitor.Health
	if health.HighLoadRPS <= 0 {
		health.HighLoadRPS = 1000
	}
	if health.MediumLoadRPS <= 0 {
		health.MediumLoadRPS = 500
	}
	if health.ErrorCritical <= 0 {
		health.ErrorCritical = 0.10
	}
	if health.ErrorWarning <= 0 {
		health.ErrorWarning = 0.05
	}
	if health.LatencyCriticalMS <= 0 {
		health.LatencyCriticalMS = 2000
	}
	if health.LatencyWarningMS <= 0 {
		health.LatencyWarningMS = 1000
	}

	if cfg.Limiter.BaseLimit == 0 {
		cfg.Limiter.BaseLimit = defaultBaseLimit
	}
	if cfg.Limiter.MinLimit == 0 {
		cfg.Limiter.MinLimit = defaultMinLimit
	}
	if cfg.Limiter.MaxLimit == 0 {
		cfg.Limiter.MaxLimit = defaultMaxLimit
	}
	if cfg.Limiter.MaxIdentifiers <= 0 {
		cfg.Limiter.MaxIdentifiers = defaultMaxIdentifiers
	}

	cfg.Enforce.Backend = strings.ToLower(strings.TrimSpace(cfg.Enforce.Backend))
	if cfg.Enforce.Backend == "" {
		cfg.Enforce.Backend = EnforceMemory
	}
	if cfg.Enforce.KeyPrefix == "" {
		cfg.Enforce.KeyPrefix = "ratewatch:"
	}
	if cfg.Enforce.Redis.Addr == "" {
		cfg.Enforce.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Enforce.Redis.DialTimeoutMS <= 0 {
		cfg.Enforce.Redis.DialTimeoutMS = 2000
	}

	if len(cfg.Alerting.DefaultChannels) == 0 {
		cfg.Alerting.DefaultChannels = []string{string(domain.ChannelConsole), string(domain.ChannelLog)}
	}
	if cfg.Alerting.MaxHistory <= 0 {
		cfg.Alerting.MaxHistory = defaultMaxHistory
	}
	if cfg.Alerting.HistoryRetentionSec <= 0 {
		cfg.Alerting.HistoryRetentionSec = defaultHistoryRetentionSec
	}
	if cfg.Alerting.EventBuffer <= 0 {
		cfg.Alerting.EventBuffer = defaultEventBuffer
	}
	if cfg.Alerting.DispatchTimeoutSec <= 0 {
		cfg.Alerting.DispatchTimeoutSec = defaultDispatchTimeoutSec
	}

	if cfg.Broadcast.WebSocket.Path == "" {
		cfg.Broadcast.WebSocket.Path = defaultWSPath
	}
	cfg.Broadcast.NATS.URL = normalizeNATSURLs(cfg.Broadcast.NATS.URL)
	if len(cfg.Broadcast.NATS.URL) == 0 {
		cfg.Broadcast.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Broadcast.NATS.SubjectPrefix == "" {
		cfg.Broadcast.NATS.SubjectPrefix = defaultBroadcastPrefix
	}

	if cfg.Ingest.MaxClockSkewSec <= 0 {
		cfg.Ingest.MaxClockSkewSec = defaultIngestSkewSec
	}
	if cfg.Ingest.HTTP.Path == "" {
		cfg.Ingest.HTTP.Path = defaultIngestPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 1 << 20
	}
	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	if cfg.Ingest.NATS.QueueGroup == "" {
		cfg.Ingest.NATS.QueueGroup = defaultNATSQueueGroup
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.ProcRoot == "" {
		cfg.Metrics.ProcRoot = defaultProcRoot
	}
	if cfg.Metrics.SampleIntervalSec <= 0 {
		cfg.Metrics.SampleIntervalSec = 10
	}

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		if rule.Severity == "" {
			rule.Severity = string(domain.SeverityWarning)
		}
		if len(rule.Channels) == 0 {
			rule.Channels = append([]string(nil), cfg.Alerting.DefaultChannels...)
		}
	}
	for i := range cfg.Channel {
		channel := &cfg.Channel[i]
		channel.Type = strings.ToLower(strings.TrimSpace(channel.Type))
		if channel.TimeoutSec <= 0 {
			channel.TimeoutSec = cfg.Alerting.DispatchTimeoutSec
		}
		switch domain.ChannelType(channel.Type) {
		case domain.ChannelWebhook:
			if channel.Method == "" {
				channel.Method = "POST"
			}
		case domain.ChannelTelegram:
			if channel.APIBase == "" {
				channel.APIBase = "https://api.telegram.org"
			}
		case domain.ChannelEmail:
			if channel.SMTPPort == 0 {
				channel.SMTPPort = 587
			}
		}
		fillRetryDefaults(&channel.Retry)
	}
}

// fillRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillRetryDefaults(retry *RetryConfig) {
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 30000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing validation error.
func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		return errors.New("service.listen is required")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if cfg.Monitor.StatsWindowSec > cfg.Monitor.RetentionSec {
		return errors.New("monitor.stats_window_sec must be <= monitor.retention_sec")
	}
	if cfg.Monitor.PatternWindowSec > cfg.Monitor.RetentionSec {
		return errors.New("monitor.pattern_window_sec must be <= monitor.retention_sec")
	}
	health := cfg.Monitor.Health
	if health.MediumLoadRPS > health.HighLoadRPS {
		return errors.New("monitor.health.medium_load_rps must be <= high_load_rps")
	}
	if health.ErrorWarning > health.ErrorCritical {
		return errors.New("monitor.health.error_warning must be <= error_critical")
	}
	if health.LatencyWarningMS > health.LatencyCriticalMS {
		return errors.New("monitor.health.latency_warning_ms must be <= latency_critical_ms")
	}
	if err := ValidateLimits(cfg.Limiter.BaseLimit, cfg.Limiter.MinLimit, cfg.Limiter.MaxLimit); err != nil {
		return err
	}

	switch cfg.Enforce.Backend {
	case EnforceMemory, EnforceTokenBucket:
	case EnforceRedis:
		if strings.TrimSpace(cfg.Enforce.Redis.Addr) == "" {
			return errors.New("enforce.redis.addr is required when enforce.backend=redis")
		}
	default:
		return fmt.Errorf("enforce.backend has unsupported value %q", cfg.Enforce.Backend)
	}

	channelIDs := map[string]struct{}{
		string(domain.ChannelConsole): {},
		string(domain.ChannelLog):     {},
	}
	for i, channel := range cfg.Channel {
		if err := ValidateChannel(channel); err != nil {
			return fmt.Errorf("channel[%d] %q: %w", i, channel.ID, err)
		}
		channelIDs[channel.ID] = struct{}{}
	}

	for _, id := range cfg.Alerting.DefaultChannels {
		if _, ok := channelIDs[id]; !ok {
			return fmt.Errorf("alerting.default_channels references unknown channel %q", id)
		}
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for i, rule := range cfg.Rule {
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}

		domainRule, err := rule.ToDomain()
		if err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.ID, err)
		}
		if err := domainRule.Validate(); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.ID, err)
		}
		for _, channel := range rule.Channels {
			if _, ok := channelIDs[channel]; !ok {
				return fmt.Errorf("rule[%d] %q: unknown channel %q", i, rule.ID, channel)
			}
		}
	}
	return nil
}

// ValidateLimits checks adaptive limit bounds.
// Params: base, min, and max request limits.
// Returns: descriptive error when bounds are inconsistent.
func ValidateLimits(base, min, max int) error {
	if base <= 0 {
		return fmt.Errorf("limiter.base_limit must be >0, got %d", base)
	}
	if min <= 0 {
		return fmt.Errorf("limiter.min_limit must be >0, got %d", min)
	}
	if max <= 0 {
		return fmt.Errorf("limiter.max_limit must be >0, got %d", max)
	}
	if min > base || base > max {
		return fmt.Errorf("limiter limits must satisfy min <= base <= max, got %d <= %d <= %d", min, base, max)
	}
	return nil
}

// ValidateChannel validates one notification channel.
// Params: normalized channel config.
// Returns: channel-level validation error.
func ValidateChannel(channel ChannelConfig) error {
	if strings.TrimSpace(channel.ID) == "" {
		return errors.New("id is required")
	}
	switch domain.ChannelType(channel.Type) {
	case domain.ChannelConsole, domain.ChannelLog:
	case domain.ChannelWebhook:
		if strings.TrimSpace(channel.URL) == "" {
			return errors.New("url is required for webhook channel")
		}
	case domain.ChannelEmail:
		if strings.TrimSpace(channel.SMTPHost) == "" {
			return errors.New("smtp_host is required for email channel")
		}
		if strings.TrimSpace(channel.From) == "" || len(channel.To) == 0 {
			return errors.New("from and to are required for email channel")
		}
	case domain.ChannelTelegram:
		if strings.TrimSpace(channel.BotToken) == "" || strings.TrimSpace(channel.ChatID) == "" {
			return errors.New("bot_token and chat_id are required for telegram channel")
		}
	case domain.ChannelMattermost:
		if strings.TrimSpace(channel.BaseURL) == "" || strings.TrimSpace(channel.BotToken) == "" || strings.TrimSpace(channel.ChannelID) == "" {
			return errors.New("base_url, bot_token and channel_id are required for mattermost channel")
		}
	default:
		return fmt.Errorf("unsupported channel type %q", channel.Type)
	}
	if channel.Template != "" {
		if err := validateMessageTemplate("template", channel.Template); err != nil {
			return err
		}
	}
	return nil
}

// normalizeNATSURLs trims and drops empty NATS URLs.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url != "" {
			out = append(out, url)
		}
	}
	return out
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}

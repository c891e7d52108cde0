package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RATEWATCH_"

// LookupFunc resolves one environment variable.
type LookupFunc func(key string) (string, bool)

// envOverride binds one environment variable suffix to a config setter.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envOverrides = []envOverride{
	{"LISTEN", func(cfg *Config, v string) error { cfg.Service.Listen = v; return nil }},
	{"ADMIN_TOKEN", func(cfg *Config, v string) error { cfg.Service.AdminToken = v; return nil }},
	{"LOG_LEVEL", func(cfg *Config, v string) error { cfg.Log.Console.Level = v; return nil }},
	{"LOG_FORMAT", func(cfg *Config, v string) error { cfg.Log.Console.Format = v; return nil }},
	{"BASE_LIMIT", intSetter(func(cfg *Config) *int { return &cfg.Limiter.BaseLimit })},
	{"MIN_LIMIT", intSetter(func(cfg *Config) *int { return &cfg.Limiter.MinLimit })},
	{"MAX_LIMIT", intSetter(func(cfg *Config) *int { return &cfg.Limiter.MaxLimit })},
	{"RESOURCE_AWARE", boolSetter(func(cfg *Config) *bool { return &cfg.Limiter.ResourceAware })},
	{"ENFORCE_BACKEND", func(cfg *Config, v string) error { cfg.Enforce.Backend = v; return nil }},
	{"REDIS_ADDR", func(cfg *Config, v string) error { cfg.Enforce.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(cfg *Config, v string) error { cfg.Enforce.Redis.Password = v; return nil }},
	{"REDIS_DB", intSetter(func(cfg *Config) *int { return &cfg.Enforce.Redis.DB })},
	{"NATS_URL", func(cfg *Config, v string) error {
		urls := normalizeNATSURLs(strings.Split(v, ","))
		cfg.Ingest.NATS.URL = urls
		cfg.Broadcast.NATS.URL = append([]string(nil), urls...)
		return nil
	}},
	{"INGEST_NATS_ENABLED", boolSetter(func(cfg *Config) *bool { return &cfg.Ingest.NATS.Enabled })},
	{"BROADCAST_NATS_ENABLED", boolSetter(func(cfg *Config) *bool { return &cfg.Broadcast.NATS.Enabled })},
	{"METRICS_ENABLED", boolSetter(func(cfg *Config) *bool { return &cfg.Metrics.Enabled })},
	{"ALERT_INTERVAL_SEC", intSetter(func(cfg *Config) *int { return &cfg.Service.AlertIntervalSec })},
	{"STATS_INTERVAL_SEC", intSetter(func(cfg *Config) *int { return &cfg.Service.StatsIntervalSec })},
}

// ApplyEnv overlays RATEWATCH_* environment variables onto cfg.
// Params: cfg pointer and lookup function (os.LookupEnv in production).
// Returns: parse error naming the offending variable.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	for _, override := range envOverrides {
		key := EnvPrefix + override.name
		value, ok := lookup(key)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if err := override.apply(cfg, value); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse int %q: %w", value, err)
		}
		*field(cfg) = parsed
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", value, err)
		}
		*field(cfg) = parsed
		return nil
	}
}

// LoadDotEnv loads .env files without overwriting existing variables.
// Params: config source; .env next to the config file/dir is tried first, then the working directory.
// Returns: parse error for malformed files.
func LoadDotEnv(src ConfigSource) error {
	candidates := make([]string, 0, 2)
	switch {
	case src.File != "":
		candidates = append(candidates, filepath.Join(filepath.Dir(src.File), ".env"))
	case src.Dir != "":
		candidates = append(candidates, filepath.Join(src.Dir, ".env"))
	}
	candidates = append(candidates, ".env")

	seen := make(map[string]struct{}, len(candidates))
	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		if err := loadIfExists(path); err != nil {
			return err
		}
	}
	return nil
}

func loadIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

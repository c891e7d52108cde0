package engine

import (
	"errors"
	"fmt"
	"time"

	"ratewatch/internal/config"
	"ratewatch/internal/domain"
)

// DefaultRules returns the built-in rule set in evaluation order.
// Params: channels attached to every default rule.
// Returns: fresh enabled rules.
func DefaultRules(channels []string) []domain.AlertRule {
	rule := func(id, name, metric string, threshold float64, duration time.Duration, severity domain.Severity) domain.AlertRule {
		return domain.AlertRule{
			ID:        id,
			Name:      name,
			Metric:    metric,
			Operator:  domain.OpGreaterThan,
			Threshold: threshold,
			Duration:  duration,
			Severity:  severity,
			Enabled:   true,
			Channels:  append([]string(nil), channels...),
		}
	}
	return []domain.AlertRule{
		rule("high_cpu_usage", "High CPU Usage", domain.MetricCPUOverall, 80, 60*time.Second, domain.SeverityWarning),
		rule("critical_cpu_usage", "Critical CPU Usage", domain.MetricCPUOverall, 95, 30*time.Second, domain.SeverityCritical),
		rule("high_memory_usage", "High Memory Usage", domain.MetricMemoryUsage, 85, 60*time.Second, domain.SeverityWarning),
		rule("critical_memory_usage", "Critical Memory Usage", domain.MetricMemoryUsage, 95, 30*time.Second, domain.SeverityCritical),
		rule("high_load_average", "High Load Average", domain.MetricLoad1, 4.0, 120*time.Second, domain.SeverityWarning),
		rule("slow_response_time", "Slow Response Time", domain.MetricResponseTime, 1000, 60*time.Second, domain.SeverityWarning),
		rule("high_error_rate", "High Error Rate", domain.MetricErrorRate, 5, 60*time.Second, domain.SeverityCritical),
	}
}

// LoadRules registers default rules (unless disabled) followed by configured rules.
// A configured rule with a default rule's id replaces that default in place.
// Params: full runtime config.
// Returns: first registration error.
func (e *Evaluator) LoadRules(cfg config.Config) error {
	if !cfg.Alerting.DisableDefaultRules {
		for _, rule := range DefaultRules(cfg.Alerting.DefaultChannels) {
			if err := e.AddRule(rule); err != nil {
				return fmt.Errorf("add default rule %q: %w", rule.ID, err)
			}
		}
	}
	for _, ruleCfg := range cfg.Rule {
		rule, err := ruleCfg.ToDomain()
		if err != nil {
			return fmt.Errorf("rule %q: %w", ruleCfg.ID, err)
		}
		err = e.AddRule(rule)
		if errors.Is(err, ErrDuplicateRule) {
			_, err = e.UpdateRule(rule.ID, rule)
		}
		if err != nil {
			return fmt.Errorf("rule %q: %w", ruleCfg.ID, err)
		}
	}
	return nil
}

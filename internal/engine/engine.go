package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"
	"ratewatch/internal/templatefmt"

	"github.com/google/uuid"
)

var (
	// ErrRuleNotFound is returned for unknown rule ids.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrAlertNotFound is returned for unknown active alert ids.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrDuplicateRule is returned when a rule id is already registered.
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// MetricSource resolves metric paths to current values.
type MetricSource interface {
	MetricValue(path string) (float64, bool)
}

// Config holds evaluator bookkeeping limits.
type Config struct {
	MaxHistory       int
	HistoryRetention time.Duration
	EventBuffer      int
	DefaultChannels  []string
}

// ConfigFrom converts the [alerting] config section.
func ConfigFrom(cfg config.AlertingConfig) Config {
	return Config{
		MaxHistory:       cfg.MaxHistory,
		HistoryRetention: time.Duration(cfg.HistoryRetentionSec) * time.Second,
		EventBuffer:      cfg.EventBuffer,
		DefaultChannels:  append([]string(nil), cfg.DefaultChannels...),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 24 * time.Hour
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if len(c.DefaultChannels) == 0 {
		c.DefaultChannels = []string{string(domain.ChannelConsole), string(domain.ChannelLog)}
	}
	return c
}

// Evaluator drives metric threshold rules through the alert lifecycle.
// Params: bookkeeping config, metric source, clock, and logger.
// Returns: concurrency-safe evaluator emitting events on a buffered channel.
type Evaluator struct {
	cfg    Config
	source MetricSource
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string

	mu              sync.Mutex
	rules           map[string]*domain.AlertRule
	order           []string
	active          map[string]*domain.ActiveAlert
	history         []domain.AlertHistoryEntry
	lastEvaluatedAt time.Time

	events      chan domain.AlertEvent
	evaluations atomic.Int64
	failures    atomic.Int64
	emitted     atomic.Int64
	dropped     atomic.Int64
}

// New creates evaluator with no rules.
// Params: config (zero fields take defaults), metric source, optional clock, and optional logger.
// Returns: initialized evaluator.
func New(cfg Config, source MetricSource, clk clock.Clock, logger *slog.Logger) *Evaluator {
	cfg = cfg.withDefaults()
	return &Evaluator{
		cfg:    cfg,
		source: source,
		clock:  clock.OrReal(clk),
		logger: logging.Component(logger, "engine"),
		newID:  uuid.NewString,
		rules:  make(map[string]*domain.AlertRule),
		active: make(map[string]*domain.ActiveAlert),
		events: make(chan domain.AlertEvent, cfg.EventBuffer),
	}
}

// Events returns outbound alert event stream.
func (e *Evaluator) Events() <-chan domain.AlertEvent {
	return e.events
}

// PassResult summarizes one evaluation pass.
type PassResult struct {
	Evaluated int
	Failed    int
	Pruned    int
}

// EvaluateAll visits every enabled rule once in insertion order.
// Params: context (cancellation stops the pass between rules) and evaluation instant (zero uses clock).
// Returns: pass counters; per-rule failures are logged and never abort the pass.
func (e *Evaluator) EvaluateAll(ctx context.Context, now time.Time) PassResult {
	if now.IsZero() {
		now = e.clock.Now()
	}

	e.mu.Lock()
	rules := make([]domain.AlertRule, 0, len(e.order))
	for _, id := range e.order {
		if rule := e.rules[id]; rule.Enabled {
			rules = append(rules, rule.Clone())
		}
	}
	e.mu.Unlock()

	var result PassResult
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if err := e.evaluateRule(rule, now); err != nil {
			result.Failed++
			e.failures.Add(1)
			e.logger.Error("rule evaluation failed", "rule_id", rule.ID, "metric", rule.Metric, "error", err)
			continue
		}
		result.Evaluated++
	}
	e.evaluations.Add(1)

	e.mu.Lock()
	result.Pruned = e.pruneHistoryLocked(now)
	e.lastEvaluatedAt = now
	e.mu.Unlock()
	return result
}

// evaluateRule reads the rule metric and applies one lifecycle step.
// Params: rule snapshot and evaluation instant.
// Returns: error for panics or invalid rule state.
func (e *Evaluator) evaluateRule(rule domain.AlertRule, now time.Time) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()

	condition := false
	value, ok := e.readMetric(rule.Metric)
	if ok {
		result, known := rule.Operator.Compare(value, rule.Threshold)
		if !known {
			return fmt.Errorf("unsupported operator %q", rule.Operator)
		}
		condition = result
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, exists := e.rules[rule.ID]
	if !exists || !current.Enabled {
		return nil
	}
	alert := e.active[rule.ID]
	if !condition {
		if alert != nil {
			e.resolveLocked(alert, now)
		}
		return nil
	}
	e.observeLocked(current, alert, value, now)
	return nil
}

// readMetric treats missing sources, missing paths, and NaN as no data.
func (e *Evaluator) readMetric(path string) (float64, bool) {
	if e.source == nil {
		return 0, false
	}
	value, ok := e.source.MetricValue(path)
	if !ok || math.IsNaN(value) {
		return 0, false
	}
	return value, true
}

// observeLocked applies a true condition reading.
// Params: live rule pointer, current alert (nil when inactive), value, and instant.
// Returns: alert created or advanced in place.
func (e *Evaluator) observeLocked(rule *domain.AlertRule, alert *domain.ActiveAlert, value float64, now time.Time) {
	if alert == nil {
		alert = &domain.ActiveAlert{
			ID:              e.newID(),
			RuleID:          rule.ID,
			State:           domain.AlertStatePending,
			FirstObservedAt: now,
		}
		e.active[rule.ID] = alert
		e.logger.Debug("alert pending", "rule_id", rule.ID, "alert_id", alert.ID, "value", value)
	}
	alert.RuleName = rule.Name
	alert.Metric = rule.Metric
	alert.Threshold = rule.Threshold
	alert.Operator = rule.Operator
	alert.Severity = rule.Severity
	alert.Channels = append([]string(nil), rule.Channels...)
	alert.CurrentValue = value
	alert.LastUpdatedAt = now

	if alert.SuppressedUntil != nil && !alert.IsSuppressed(now) {
		alert.SuppressedUntil = nil
		if alert.State == domain.AlertStateSuppressed {
			alert.State = domain.AlertStateTriggered
		}
	}

	switch alert.State {
	case domain.AlertStatePending:
		if now.Sub(alert.FirstObservedAt) < rule.Duration {
			return
		}
		triggeredAt := now
		alert.TriggeredAt = &triggeredAt
		alert.State = domain.AlertStateTriggered
		if alert.IsSuppressed(now) {
			alert.State = domain.AlertStateSuppressed
		}
		lastTriggered := now
		rule.LastTriggeredAt = &lastTriggered
		rule.TriggerCount++
		e.recordLocked(domain.HistoryTriggered, alert, nil, now)
		e.logger.Info("alert triggered", "rule_id", rule.ID, "alert_id", alert.ID, "value", value, "threshold", rule.Threshold)
		if alert.State == domain.AlertStateSuppressed {
			return
		}
		e.notifyLocked(domain.AlertEventTriggered, alert, now)
	case domain.AlertStateTriggered, domain.AlertStateSuppressed:
		if !e.renotifyDueLocked(rule, alert, now) {
			return
		}
		if alert.IsSuppressed(now) {
			e.logger.Debug("re-trigger suppressed", "rule_id", rule.ID, "alert_id", alert.ID, "until", *alert.SuppressedUntil)
			return
		}
		eventType := domain.AlertEventRetriggered
		if alert.LastNotifiedAt == nil {
			eventType = domain.AlertEventTriggered
		}
		e.notifyLocked(eventType, alert, now)
	}
}

// renotifyDueLocked reports whether a held alert is due another notification.
// An alert that was never notified is always due; otherwise rule.SuppressDuration spaces repeats and zero disables them.
func (e *Evaluator) renotifyDueLocked(rule *domain.AlertRule, alert *domain.ActiveAlert, now time.Time) bool {
	if alert.LastNotifiedAt == nil {
		return true
	}
	if rule.SuppressDuration <= 0 {
		return false
	}
	return now.Sub(*alert.LastNotifiedAt) >= rule.SuppressDuration
}

// resolveLocked closes alert, archives it, and emits resolution with last-known channels.
func (e *Evaluator) resolveLocked(alert *domain.ActiveAlert, now time.Time) {
	delete(e.active, alert.RuleID)
	alert.State = domain.AlertStateResolved
	alert.LastUpdatedAt = now
	alert.SuppressedUntil = nil
	resolvedAt := now
	e.recordLocked(domain.HistoryResolved, alert, &resolvedAt, now)
	e.logger.Info("alert resolved", "rule_id", alert.RuleID, "alert_id", alert.ID, "value", alert.CurrentValue)
	e.notifyLocked(domain.AlertEventResolved, alert, now)
}

// notifyLocked stamps notification counters and emits without blocking.
func (e *Evaluator) notifyLocked(eventType domain.AlertEventType, alert *domain.ActiveAlert, now time.Time) {
	notifiedAt := now
	alert.LastNotifiedAt = &notifiedAt
	alert.NotificationsSent++

	event := domain.AlertEvent{
		Type:      eventType,
		Alert:     alert.Clone(),
		Channels:  append([]string(nil), alert.Channels...),
		Message:   summary(eventType, alert),
		Timestamp: now,
	}
	select {
	case e.events <- event:
		e.emitted.Add(1)
	default:
		e.dropped.Add(1)
		e.logger.Warn("alert event dropped, buffer full", "type", eventType, "rule_id", alert.RuleID, "alert_id", alert.ID)
	}
}

func summary(eventType domain.AlertEventType, alert *domain.ActiveAlert) string {
	verb := "triggered"
	switch eventType {
	case domain.AlertEventRetriggered:
		verb = "still firing"
	case domain.AlertEventResolved:
		verb = "resolved"
	}
	return fmt.Sprintf("%s %s: %s = %s (%s %s)",
		alert.RuleName, verb, alert.Metric,
		templatefmt.FormatValue(alert.CurrentValue),
		alert.Operator.Symbol(), templatefmt.FormatValue(alert.Threshold))
}

// AddRule registers rule at the end of evaluation order.
// Params: rule definition; empty channels take the configured defaults.
// Returns: ErrDuplicateRule, validation error, or nil.
func (e *Evaluator) AddRule(rule domain.AlertRule) error {
	rule = e.normalizeRule(rule)
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRule, rule.ID)
	}
	stored := rule.Clone()
	e.rules[rule.ID] = &stored
	e.order = append(e.order, rule.ID)
	e.logger.Info("rule added", "rule_id", rule.ID, "metric", rule.Metric, "operator", rule.Operator, "threshold", rule.Threshold)
	return nil
}

// UpdateRule replaces rule definition keeping its position and trigger counters.
// Disabling a rule resolves its active alert.
// Params: rule id and new definition.
// Returns: updated rule or ErrRuleNotFound/validation error.
func (e *Evaluator) UpdateRule(id string, rule domain.AlertRule) (domain.AlertRule, error) {
	rule.ID = id
	rule = e.normalizeRule(rule)
	if err := rule.Validate(); err != nil {
		return domain.AlertRule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[id]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	rule.LastTriggeredAt = existing.LastTriggeredAt
	rule.TriggerCount = existing.TriggerCount
	*existing = rule.Clone()

	if alert := e.active[id]; alert != nil && !rule.Enabled {
		e.resolveLocked(alert, e.clock.Now())
	}
	e.logger.Info("rule updated", "rule_id", id, "enabled", rule.Enabled)
	return existing.Clone(), nil
}

// RemoveRule deletes rule and resolves its active alert.
func (e *Evaluator) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	if alert := e.active[id]; alert != nil {
		e.resolveLocked(alert, e.clock.Now())
	}
	delete(e.rules, id)
	for i, ruleID := range e.order {
		if ruleID == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.logger.Info("rule removed", "rule_id", id)
	return nil
}

// Rule returns one rule copy.
func (e *Evaluator) Rule(id string) (domain.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

// Rules returns rule copies in evaluation order.
func (e *Evaluator) Rules() []domain.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AlertRule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

func (e *Evaluator) normalizeRule(rule domain.AlertRule) domain.AlertRule {
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityWarning
	}
	if len(rule.Channels) == 0 {
		rule.Channels = append([]string(nil), e.cfg.DefaultChannels...)
	}
	return rule
}

// SuppressAlert silences notifications for one active alert.
// Params: alert id and duration (zero or negative uses the rule's suppress duration).
// Returns: updated alert copy, ErrAlertNotFound, or error when no duration applies.
func (e *Evaluator) SuppressAlert(alertID string, d time.Duration) (domain.ActiveAlert, error) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for ruleID, alert := range e.active {
		if alert.ID != alertID {
			continue
		}
		if d <= 0 {
			if rule, ok := e.rules[ruleID]; ok {
				d = rule.SuppressDuration
			}
		}
		if d <= 0 {
			return domain.ActiveAlert{}, fmt.Errorf("suppress alert %q: duration must be >0", alertID)
		}
		until := now.Add(d)
		alert.SuppressedUntil = &until
		if alert.State == domain.AlertStateTriggered {
			alert.State = domain.AlertStateSuppressed
		}
		alert.LastUpdatedAt = now
		e.logger.Info("alert suppressed", "rule_id", ruleID, "alert_id", alertID, "until", until)
		return alert.Clone(), nil
	}
	return domain.ActiveAlert{}, fmt.Errorf("%w: %q", ErrAlertNotFound, alertID)
}

// ActiveAlerts returns active alert copies ordered by first observation.
func (e *Evaluator) ActiveAlerts() []domain.ActiveAlert {
	e.mu.Lock()
	out := make([]domain.ActiveAlert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, alert.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstObservedAt.Equal(out[j].FirstObservedAt) {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].FirstObservedAt.Before(out[j].FirstObservedAt)
	})
	return out
}

// Stats summarizes evaluator state.
type Stats struct {
	Rules            int       `json:"rules"`
	EnabledRules     int       `json:"enabledRules"`
	ActiveAlerts     int       `json:"activeAlerts"`
	Pending          int       `json:"pending"`
	Triggered        int       `json:"triggered"`
	Suppressed       int       `json:"suppressed"`
	HistorySize      int       `json:"historySize"`
	Evaluations      int64     `json:"evaluations"`
	EvaluationErrors int64     `json:"evaluationErrors"`
	EventsEmitted    int64     `json:"eventsEmitted"`
	EventsDropped    int64     `json:"eventsDropped"`
	LastEvaluatedAt  time.Time `json:"lastEvaluatedAt"`
}

// Stats returns rule, alert, and event counters.
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Rules:            len(e.rules),
		ActiveAlerts:     len(e.active),
		HistorySize:      len(e.history),
		Evaluations:      e.evaluations.Load(),
		EvaluationErrors: e.failures.Load(),
		EventsEmitted:    e.emitted.Load(),
		EventsDropped:    e.dropped.Load(),
		LastEvaluatedAt:  e.lastEvaluatedAt,
	}
	for _, rule := range e.rules {
		if rule.Enabled {
			stats.EnabledRules++
		}
	}
	for _, alert := range e.active {
		switch alert.State {
		case domain.AlertStatePending:
			stats.Pending++
		case domain.AlertStateTriggered:
			stats.Triggered++
		case domain.AlertStateSuppressed:
			stats.Suppressed++
		}
	}
	return stats
}

// ActiveCount returns the number of live alerts in any state.
func (e *Evaluator) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// RuleCount returns the number of registered rules.
func (e *Evaluator) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AlertState is runtime alert lifecycle state.
// Params: pending/triggered/suppressed/resolved state constants.
// Returns: state transitions for notifications and history.
type AlertState string

const (
	// AlertStatePending indicates condition matched but sustain window is active.
	AlertStatePending AlertState = "pending"
	// AlertStateTriggered indicates active alert.
	AlertStateTriggered AlertState = "triggered"
	// AlertStateSuppressed indicates active alert with notifications silenced.
	AlertStateSuppressed AlertState = "suppressed"
	// AlertStateResolved indicates alert was closed.
	AlertStateResolved AlertState = "resolved"
)

// Severity is alert importance level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Operator compares a metric value with a rule threshold.
type Operator string

const (
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpEqualTo            Operator = "equal_to"
	OpNotEqualTo         Operator = "not_equal_to"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
)

// Compare applies operator to value and threshold.
// Params: current metric value and rule threshold.
// Returns: comparison result and false ok for unknown operator.
func (o Operator) Compare(value, threshold float64) (result bool, ok bool) {
	switch o {
	case OpGreaterThan:
		return value > threshold, true
	case OpLessThan:
		return value < threshold, true
	case OpEqualTo:
		return value == threshold, true
	case OpNotEqualTo:
		return value != threshold, true
	case OpGreaterThanOrEqual:
		return value >= threshold, true
	case OpLessThanOrEqual:
		return value <= threshold, true
	default:
		return false, false
	}
}

// Symbol returns short operator form for messages.
func (o Operator) Symbol() string {
	switch o {
	case OpGreaterThan:
		return ">"
	case OpLessThan:
		return "<"
	case OpEqualTo:
		return "=="
	case OpNotEqualTo:
		return "!="
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThanOrEqual:
		return "<="
	default:
		return string(o)
	}
}

// ParseOperator normalizes operator names and short symbols.
// Params: raw operator text from config or admin API.
// Returns: canonical operator or error.
func ParseOperator(raw string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "greater_than", ">":
		return OpGreaterThan, nil
	case "less_than", "<":
		return OpLessThan, nil
	case "equal_to", "==", "=":
		return OpEqualTo, nil
	case "not_equal_to", "!=":
		return OpNotEqualTo, nil
	case "greater_than_or_equal", ">=":
		return OpGreaterThanOrEqual, nil
	case "less_than_or_equal", "<=":
		return OpLessThanOrEqual, nil
	default:
		return "", fmt.Errorf("unsupported operator %q", raw)
	}
}

// ParseSeverity normalizes severity names.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityInfo:
		return SeverityInfo, nil
	case SeverityWarning, "":
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unsupported severity %q", raw)
	}
}

// AlertRule is one declarative metric threshold rule.
// Params: identity, metric path, comparison, sustain/suppress windows, and channels.
// Returns: rule definition plus mutable trigger counters.
type AlertRule struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Metric           string        `json:"metric"`
	Operator         Operator      `json:"operator"`
	Threshold        float64       `json:"threshold"`
	Duration         time.Duration `json:"duration"`
	Severity         Severity      `json:"severity"`
	Enabled          bool          `json:"enabled"`
	Channels         []string      `json:"channels"`
	SuppressDuration time.Duration `json:"suppressDuration"`
	LastTriggeredAt  *time.Time    `json:"lastTriggeredAt,omitempty"`
	TriggerCount     int           `json:"triggerCount"`
}

// Validate checks rule fields that must hold at creation and update time.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if strings.TrimSpace(r.Metric) == "" {
		return fmt.Errorf("rule %q: metric is required", r.ID)
	}
	if _, ok := r.Operator.Compare(0, 0); !ok {
		return fmt.Errorf("rule %q: unsupported operator %q", r.ID, r.Operator)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("rule %q: threshold must be finite", r.ID)
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %q: duration must be >=0", r.ID)
	}
	if r.SuppressDuration < 0 {
		return fmt.Errorf("rule %q: suppress duration must be >=0", r.ID)
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return nil
}

// Clone returns deep copy safe to hand outside the evaluator lock.
func (r AlertRule) Clone() AlertRule {
	out := r
	out.Channels = append([]string(nil), r.Channels...)
	if r.LastTriggeredAt != nil {
		at := *r.LastTriggeredAt
		out.LastTriggeredAt = &at
	}
	return out
}

// ActiveAlert is an alert whose rule condition currently holds.
// Params: identity, lifecycle timestamps, last value, and notification counters.
// Returns: evaluator-owned state snapshot.
type ActiveAlert struct {
	ID                string     `json:"id"`
	RuleID            string     `json:"ruleId"`
	RuleName          string     `json:"ruleName"`
	Metric            string     `json:"metric"`
	State             AlertState `json:"state"`
	FirstObservedAt   time.Time  `json:"firstObservedAt"`
	TriggeredAt       *time.Time `json:"triggeredAt,omitempty"`
	LastUpdatedAt     time.Time  `json:"lastUpdatedAt"`
	LastNotifiedAt    *time.Time `json:"lastNotifiedAt,omitempty"`
	CurrentValue      float64    `json:"currentValue"`
	Threshold         float64    `json:"threshold"`
	Operator          Operator   `json:"operator"`
	Severity          Severity   `json:"severity"`
	SuppressedUntil   *time.Time `json:"suppressedUntil,omitempty"`
	NotificationsSent int        `json:"notificationsSent"`
	Channels          []string   `json:"channels"`
}

// Clone returns deep copy of alert state.
func (a ActiveAlert) Clone() ActiveAlert {
	out := a
	out.Channels = append([]string(nil), a.Channels...)
	out.TriggeredAt = cloneTime(a.TriggeredAt)
	out.LastNotifiedAt = cloneTime(a.LastNotifiedAt)
	out.SuppressedUntil = cloneTime(a.SuppressedUntil)
	return out
}

// IsSuppressed reports whether notifications are silenced at now.
func (a ActiveAlert) IsSuppressed(now time.Time) bool {
	return a.SuppressedUntil != nil && now.Before(*a.SuppressedUntil)
}

// HistoryKind marks why a history entry was recorded.
type HistoryKind string

const (
	HistoryTriggered HistoryKind = "triggered"
	HistoryResolved  HistoryKind = "resolved"
)

// AlertHistoryEntry is immutable alert snapshot at trigger or resolution time.
type AlertHistoryEntry struct {
	ID         string      `json:"id"`
	Kind       HistoryKind `json:"kind"`
	Alert      ActiveAlert `json:"alert"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// AlertEventType labels outbound evaluator events.
type AlertEventType string

const (
	// AlertEventTriggered is the first notification after promotion.
	AlertEventTriggered AlertEventType = "alertTriggered"
	// AlertEventRetriggered is a repeat notification while condition holds.
	AlertEventRetriggered AlertEventType = "alertRetriggered"
	// AlertEventResolved is emitted when condition stops holding.
	AlertEventResolved AlertEventType = "alertResolved"
)

// AlertEvent is one evaluator transition handed to dispatch and broadcast.
// Params: event type, alert snapshot, channel ids, and emission time.
// Returns: message consumed outside the evaluation path.
type AlertEvent struct {
	Type      AlertEventType `json:"type"`
	Alert     ActiveAlert    `json:"alert"`
	Channels  []string       `json:"channels"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChannelType names notification transport kinds.
type ChannelType string

const (
	ChannelConsole    ChannelType = "console"
	ChannelLog        ChannelType = "log"
	ChannelWebhook    ChannelType = "webhook"
	ChannelEmail      ChannelType = "email"
	ChannelTelegram   ChannelType = "telegram"
	ChannelMattermost ChannelType = "mattermost"
)

// NotificationChannel describes one registered channel and its usage counters.
type NotificationChannel struct {
	ID         string      `json:"id"`
	Type       ChannelType `json:"type"`
	Enabled    bool        `json:"enabled"`
	Sent       int64       `json:"sent"`
	Failed     int64       `json:"failed"`
	LastUsedAt *time.Time  `json:"lastUsedAt,omitempty"`
	LastError  string      `json:"lastError,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

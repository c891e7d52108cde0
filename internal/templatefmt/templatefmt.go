package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// DefaultAlertTemplate renders one alert event when a channel has no override.
const DefaultAlertTemplate = `{{ severityTag .Alert.Severity }} {{ .Alert.RuleName }}: {{ .Alert.Metric }} = {{ fmtValue .Alert.CurrentValue }} ` +
	`({{ opSymbol .Alert.Operator }} {{ fmtValue .Alert.Threshold }}){{ if eq .State "resolved" }} resolved after {{ fmtDuration .Elapsed }}{{ end }}`

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtValue":    FormatValue,
		"json":        MarshalJSON,
		"upper":       strings.ToUpper,
		"severityTag": SeverityTag,
		"opSymbol":    OperatorSymbol,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes compiled template into a string.
// Params: compiled template and data value.
// Returns: rendered text or execution error.
func Render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatValue renders a metric value with at most two decimals and no trailing zeros.
func FormatValue(value float64) string {
	rendered := strconv.FormatFloat(value, 'f', 2, 64)
	return strings.TrimRight(strings.TrimRight(rendered, "0"), ".")
}

// SeverityTag renders bracketed upper-case severity.
func SeverityTag(value any) string {
	return "[" + strings.ToUpper(fmt.Sprint(value)) + "]"
}

// OperatorSymbol renders operator names as comparison symbols.
func OperatorSymbol(value any) string {
	switch fmt.Sprint(value) {
	case "greater_than":
		return ">"
	case "less_than":
		return "<"
	case "equal_to":
		return "=="
	case "not_equal_to":
		return "!="
	case "greater_than_or_equal":
		return ">="
	case "less_than_or_equal":
		return "<="
	default:
		return fmt.Sprint(value)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

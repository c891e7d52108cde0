package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"
	"ratewatch/internal/templatefmt"
)

// ErrChannelNotFound is returned when a channel id is not registered.
var ErrChannelNotFound = errors.New("notification channel not found")

// Message is one rendered notification handed to a sender.
// Params: destination channel id, source event, and rendered text.
// Returns: sender input.
type Message struct {
	Channel string
	Event   domain.AlertEvent
	Text    string
}

// ChannelSender sends one rendered notification to one transport.
// Params: context bounded by channel timeout and rendered message.
// Returns: transport error when delivery fails.
type ChannelSender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, msg Message) error
}

// ChannelOptions carries per-channel dispatch settings.
type ChannelOptions struct {
	Enabled  bool
	Template string
	Timeout  time.Duration
}

// TemplateData is the value a notification template is executed against.
type TemplateData struct {
	Type      domain.AlertEventType
	State     string
	Alert     domain.ActiveAlert
	Elapsed   time.Duration
	Message   string
	Channel   string
	Timestamp time.Time
}

// DispatchResult lists per-channel delivery outcomes of one event.
type DispatchResult struct {
	Delivered []string
	Failed    map[string]error
}

type registration struct {
	id       string
	sender   ChannelSender
	enabled  bool
	template *template.Template
	timeout  time.Duration

	sent   atomic.Int64
	failed atomic.Int64

	mu         sync.Mutex
	lastUsedAt *time.Time
	lastError  string
}

// Dispatcher fans alert events out to registered notification channels.
// Params: channel registry, default template, and per-channel timeout.
// Returns: concurrent delivery with per-channel accounting.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*registration

	defaultTemplate *template.Template
	defaultTimeout  time.Duration
	clock           clock.Clock
	logger          *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
// Params: default per-channel timeout, clock, and logger.
// Returns: dispatcher without channels.
func NewDispatcher(timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tmpl, err := templatefmt.ParseNotificationTemplate("default", templatefmt.DefaultAlertTemplate)
	if err != nil {
		panic(fmt.Sprintf("parse default alert template: %v", err))
	}
	return &Dispatcher{
		channels:        make(map[string]*registration),
		defaultTemplate: tmpl,
		defaultTimeout:  timeout,
		clock:           clock.OrReal(clk),
		logger:          logging.Component(logging.OrDiscard(logger), "notify"),
	}
}

// AddChannel registers one sender under id.
// Params: unique channel id, transport sender, and dispatch options.
// Returns: error on empty or duplicate id or invalid template.
func (d *Dispatcher) AddChannel(id string, sender ChannelSender, opts ChannelOptions) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("channel id is required")
	}
	if sender == nil {
		return fmt.Errorf("channel %q: sender is required", id)
	}
	reg := &registration{
		id:       id,
		sender:   sender,
		enabled:  opts.Enabled,
		template: d.defaultTemplate,
		timeout:  opts.Timeout,
	}
	if reg.timeout <= 0 {
		reg.timeout = d.defaultTimeout
	}
	if strings.TrimSpace(opts.Template) != "" {
		tmpl, err := templatefmt.ParseNotificationTemplate(id, opts.Template)
		if err != nil {
			return fmt.Errorf("channel %q: parse template: %w", id, err)
		}
		reg.template = tmpl
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.channels[id]; exists {
		return fmt.Errorf("channel %q already registered", id)
	}
	d.channels[id] = reg
	d.logger.Debug("notification channel registered", "channel", id, "type", sender.Type(), "enabled", opts.Enabled)
	return nil
}

// RemoveChannel unregisters one channel.
// Params: channel id.
// Returns: ErrChannelNotFound for unknown ids.
func (d *Dispatcher) RemoveChannel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	delete(d.channels, id)
	return nil
}

// Channels returns channel descriptors sorted by id.
func (d *Dispatcher) Channels() []domain.NotificationChannel {
	d.mu.RLock()
	regs := make([]*registration, 0, len(d.channels))
	for _, reg := range d.channels {
		regs = append(regs, reg)
	}
	d.mu.RUnlock()

	out := make([]domain.NotificationChannel, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel returns one channel descriptor.
func (d *Dispatcher) Channel(id string) (domain.NotificationChannel, error) {
	d.mu.RLock()
	reg, ok := d.channels[id]
	d.mu.RUnlock()
	if !ok {
		return domain.NotificationChannel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return reg.describe(), nil
}

// Dispatch delivers one event to every channel it names, concurrently.
// Unknown channels are reported as failures. Disabled channels are skipped.
// Each channel gets one attempt; retries belong to the sender.
// Params: parent context and alert event.
// Returns: delivered channel ids and per-channel errors.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.AlertEvent) DispatchResult {
	result := DispatchResult{Failed: make(map[string]error)}
	targets := make([]*registration, 0, len(event.Channels))
	seen := make(map[string]struct{}, len(event.Channels))

	d.mu.RLock()
	for _, id := range event.Channels {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		reg, ok := d.channels[id]
		if !ok {
			result.Failed[id] = fmt.Errorf("%w: %s", ErrChannelNotFound, id)
			continue
		}
		if !reg.enabled {
			continue
		}
		targets = append(targets, reg)
	}
	d.mu.RUnlock()

	for id, err := range result.Failed {
		d.logger.Warn("alert references unknown channel", "channel", id, "rule_id", event.Alert.RuleID, "error", err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]error, len(targets))
	)
	for _, reg := range targets {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			err := d.deliver(ctx, reg, event)
			mu.Lock()
			out[reg.id] = err
			mu.Unlock()
		}(reg)
	}
	wg.Wait()

	for _, reg := range targets {
		if err := out[reg.id]; err != nil {
			result.Failed[reg.id] = err
			continue
		}
		result.Delivered = append(result.Delivered, reg.id)
	}
	return result
}

// deliver renders and sends one event to one channel under its timeout.
// Params: parent context, channel registration, and event.
// Returns: final delivery error.
func (d *Dispatcher) deliver(ctx context.Context, reg *registration, event domain.AlertEvent) error {
	text, err := templatefmt.Render(reg.template, newTemplateData(reg.id, event))
	if err != nil {
		err = fmt.Errorf("render template: %w", err)
		reg.record(d.clock.Now(), err)
		d.logger.Error("notification render failed", "channel", reg.id, "error", err)
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	msg := Message{Channel: reg.id, Event: event, Text: text}
	err = reg.sender.Send(sendCtx, msg)
	reg.record(d.clock.Now(), err)
	if err != nil {
		d.logger.Error("notification delivery failed",
			"channel", reg.id,
			"type", reg.sender.Type(),
			"event", event.Type,
			"rule_id", event.Alert.RuleID,
			"error", err,
		)
		return err
	}
	d.logger.Debug("notification delivered", "channel", reg.id, "event", event.Type, "rule_id", event.Alert.RuleID)
	return nil
}

// record stores the outcome of one delivery.
func (r *registration) record(at time.Time, err error) {
	if err != nil {
		r.failed.Add(1)
	} else {
		r.sent.Add(1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsedAt = &at
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
}

func (r *registration) describe() domain.NotificationChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := domain.NotificationChannel{
		ID:        r.id,
		Type:      r.sender.Type(),
		Enabled:   r.enabled,
		Sent:      r.sent.Load(),
		Failed:    r.failed.Load(),
		LastError: r.lastError,
	}
	if r.lastUsedAt != nil {
		at := *r.lastUsedAt
		out.LastUsedAt = &at
	}
	return out
}

// newTemplateData builds template input for one channel.
// Params: channel id and event.
// Returns: data with elapsed time since the alert started.
func newTemplateData(channel string, event domain.AlertEvent) TemplateData {
	started := event.Alert.FirstObservedAt
	if event.Alert.TriggeredAt != nil {
		started = *event.Alert.TriggeredAt
	}
	elapsed := event.Timestamp.Sub(started)
	if elapsed < 0 || started.IsZero() {
		elapsed = 0
	}
	return TemplateData{
		Type:      event.Type,
		State:     string(event.Alert.State),
		Alert:     event.Alert,
		Elapsed:   elapsed,
		Message:   event.Message,
		Channel:   channel,
		Timestamp: event.Timestamp,
	}
}

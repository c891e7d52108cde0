package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"
	"ratewatch/internal/permanent"

	tgbot "github.com/go-telegram/bot"
)

// ConsoleSender writes one line per notification to a writer.
type ConsoleSender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSender creates a console sender.
// Params: destination writer.
// Returns: sender writing rendered text lines.
func NewConsoleSender(out io.Writer) *ConsoleSender {
	return &ConsoleSender{out: out}
}

// Type returns console channel type.
func (s *ConsoleSender) Type() domain.ChannelType { return domain.ChannelConsole }

// Send writes rendered text with a timestamp prefix.
func (s *ConsoleSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "%s %s\n", msg.Event.Timestamp.UTC().Format(time.RFC3339), msg.Text)
	return err
}

// LogSender writes notifications to the structured logger.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logging.Component(logging.OrDiscard(logger), "alert")}
}

// Type returns log channel type.
func (s *LogSender) Type() domain.ChannelType { return domain.ChannelLog }

// Send logs one notification at a level derived from severity.
// Resolutions are always logged at info.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	if msg.Event.Type != domain.AlertEventResolved {
		switch msg.Event.Alert.Severity {
		case domain.SeverityCritical:
			level = slog.LevelError
		case domain.SeverityWarning:
			level = slog.LevelWarn
		}
	}
	s.logger.Log(ctx, level, msg.Text,
		"event", msg.Event.Type,
		"rule_id", msg.Event.Alert.RuleID,
		"alert_id", msg.Event.Alert.ID,
		"metric", msg.Event.Alert.Metric,
		"value", msg.Event.Alert.CurrentValue,
		"threshold", msg.Event.Alert.Threshold,
		"severity", msg.Event.Alert.Severity,
	)
	return nil
}

// webhookPayload is the JSON body posted to webhook endpoints.
type webhookPayload struct {
	Channel   string                `json:"channel"`
	Type      domain.AlertEventType `json:"type"`
	Message   string                `json:"message"`
	Summary   string                `json:"summary"`
	Alert     domain.ActiveAlert    `json:"alert"`
	Timestamp time.Time             `json:"timestamp"`
}

// WebhookSender posts notification JSON to a configured HTTP endpoint.
// Params: endpoint URL, method, and static headers.
// Returns: generic HTTP sender.
type WebhookSender struct {
	cfg    config.ChannelConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a webhook sender.
// Params: channel config with optional retry policy, HTTP client, and logger.
// Returns: initialized sender.
func NewWebhookSender(cfg config.ChannelConfig, client *http.Client, logger *slog.Logger) *WebhookSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSender{cfg: cfg, client: client, logger: logging.Component(logger, "webhook")}
}

// Type returns webhook channel type.
func (s *WebhookSender) Type() domain.ChannelType { return domain.ChannelWebhook }

// Send delivers JSON payload to configured HTTP endpoint, retrying
// transient failures when the channel retry policy is enabled.
// Params: context and rendered message.
// Returns: transport or HTTP status error.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Channel:   msg.Channel,
		Type:      msg.Event.Type,
		Message:   msg.Text,
		Summary:   msg.Event.Message,
		Alert:     msg.Event.Alert,
		Timestamp: msg.Event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	return withRetry(ctx, s.cfg.Retry, s.logger, "webhook "+msg.Channel, func() error {
		return s.post(ctx, body)
	})
}

// post performs one HTTP attempt.
func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("webhook", response)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// MattermostSender posts notifications to Mattermost API posts endpoint.
// Params: API base URL, bot token, and channel id from config.
// Returns: Mattermost sender.
type MattermostSender struct {
	cfg    config.ChannelConfig
	client *http.Client
}

// NewMattermostSender creates Mattermost sender.
func NewMattermostSender(cfg config.ChannelConfig, client *http.Client) *MattermostSender {
	if client == nil {
		client = &http.Client{}
	}
	return &MattermostSender{cfg: cfg, client: client}
}

// Type returns mattermost channel type.
func (s *MattermostSender) Type() domain.ChannelType { return domain.ChannelMattermost }

// Send posts one formatted message to Mattermost API.
// Params: context and rendered message.
// Returns: transport or HTTP error.
func (s *MattermostSender) Send(ctx context.Context, msg Message) error {
	payload := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
	}{
		ChannelID: strings.TrimSpace(s.cfg.ChannelID),
		Message:   msg.Text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mattermost payload: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mattermost request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return errors.New("mattermost response missing id")
	}
	return nil
}

// TelegramSender posts notifications to a Telegram chat through the Bot API.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender.
// Params: channel config with bot token, chat id, and API base.
// Returns: sender that reports init errors on Send.
func NewTelegramSender(cfg config.ChannelConfig) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Type returns telegram channel type.
func (s *TelegramSender) Type() domain.ChannelType { return domain.ChannelTelegram }

// Send posts one plain-text message to the chat.
// Params: context and rendered message.
// Returns: init, transport, or API error.
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	if s.initErr != nil {
		return permanent.Mark(s.initErr)
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   msg.Text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	prefix string
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s status=%d", e.prefix, e.status)
	}
	return fmt.Sprintf("%s status=%d body=%s", e.prefix, e.status, e.body)
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status error; 4xx other than 429 are not retried.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	err := &statusError{prefix: prefix, status: response.StatusCode, body: strings.TrimSpace(string(rawBody))}
	if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
		return permanent.Mark(err)
	}
	return err
}


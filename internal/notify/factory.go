package notify

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
)

// NewSender builds a transport sender for one channel config.
// Params: normalized channel config and logger for log channels.
// Returns: sender or error for unknown channel types.
func NewSender(cfg config.ChannelConfig, logger *slog.Logger) (ChannelSender, error) {
	client := &http.Client{}
	switch domain.ChannelType(cfg.Type) {
	case domain.ChannelConsole:
		return NewConsoleSender(os.Stdout), nil
	case domain.ChannelLog:
		return NewLogSender(logger), nil
	case domain.ChannelWebhook:
		return NewWebhookSender(cfg, client, logger), nil
	case domain.ChannelEmail:
		return NewEmailSender(cfg), nil
	case domain.ChannelTelegram:
		return NewTelegramSender(cfg), nil
	case domain.ChannelMattermost:
		return NewMattermostSender(cfg, client), nil
	default:
		return nil, fmt.Errorf("unsupported channel type %q", cfg.Type)
	}
}

// NewDispatcherFromConfig builds a dispatcher with the implicit console and log
// channels plus every configured channel. A configured channel with id
// "console" or "log" replaces the implicit one.
// Params: runtime config, clock, and logger.
// Returns: ready dispatcher or first channel construction error.
func NewDispatcherFromConfig(cfg config.Config, clk clock.Clock, logger *slog.Logger) (*Dispatcher, error) {
	timeout := time.Duration(cfg.Alerting.DispatchTimeoutSec) * time.Second
	dispatcher := NewDispatcher(timeout, clk, logger)

	configured := make(map[string]struct{}, len(cfg.Channel))
	for _, channel := range cfg.Channel {
		configured[channel.ID] = struct{}{}
	}
	implicit := []config.ChannelConfig{
		{ID: string(domain.ChannelConsole), Type: string(domain.ChannelConsole)},
		{ID: string(domain.ChannelLog), Type: string(domain.ChannelLog)},
	}
	for _, channel := range implicit {
		if _, overridden := configured[channel.ID]; overridden {
			continue
		}
		if err := addConfiguredChannel(dispatcher, channel, logger); err != nil {
			return nil, err
		}
	}
	for _, channel := range cfg.Channel {
		if err := addConfiguredChannel(dispatcher, channel, logger); err != nil {
			return nil, err
		}
	}
	return dispatcher, nil
}

// AddChannelFromConfig validates one channel config and registers it.
// Params: target dispatcher, channel config, and logger for log channels.
// Returns: validation, construction, or registration error.
func AddChannelFromConfig(dispatcher *Dispatcher, channel config.ChannelConfig, logger *slog.Logger) error {
	if err := config.ValidateChannel(channel); err != nil {
		return fmt.Errorf("channel %q: %w", channel.ID, err)
	}
	return addConfiguredChannel(dispatcher, channel, logger)
}

func addConfiguredChannel(dispatcher *Dispatcher, channel config.ChannelConfig, logger *slog.Logger) error {
	sender, err := NewSender(channel, logger)
	if err != nil {
		return fmt.Errorf("channel %q: %w", channel.ID, err)
	}
	opts := ChannelOptions{
		Enabled:  channel.IsEnabled(),
		Template: channel.Template,
		Timeout:  time.Duration(channel.TimeoutSec) * time.Second,
	}
	return dispatcher.AddChannel(channel.ID, sender, opts)
}

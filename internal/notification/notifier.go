package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alpaca-trading-bot/config"
	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
)

// Notifier delivers one message to an external channel
type Notifier interface {
	Send(ctx context.Context, message string) error
	Name() string
}

// Manager fans event-driven alerts out to the configured channels. Delivery
// is best-effort; a failed webhook never blocks trading.
type Manager struct {
	notifiers []Notifier
	log       *logging.Logger
}

// NewManager builds notifiers from config and subscribes them to the
// trade-relevant events on the bus.
func NewManager(cfg config.NotificationConfig, bus *events.Bus) *Manager {
	m := &Manager{log: logging.WithComponent("notification")}
	if !cfg.Enabled {
		return m
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		m.notifiers = append(m.notifiers, &TelegramNotifier{
			botToken: cfg.Telegram.BotToken,
			chatID:   cfg.Telegram.ChatID,
			client:   &http.Client{Timeout: 10 * time.Second},
		})
	}
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		m.notifiers = append(m.notifiers, &DiscordNotifier{
			webhookURL: cfg.Discord.WebhookURL,
			client:     &http.Client{Timeout: 10 * time.Second},
		})
	}

	if bus != nil && len(m.notifiers) > 0 {
		bus.Subscribe(events.EventOrderFilled, m.handleEvent)
		bus.Subscribe(events.EventRiskBreach, m.handleEvent)
		bus.Subscribe(events.EventEmergencyStop, m.handleEvent)
		bus.Subscribe(events.EventPositionClosed, m.handleEvent)
	}

	return m
}

func (m *Manager) handleEvent(ev events.Event) {
	msg := formatEvent(ev)
	if msg == "" {
		return
	}
	// handlers must not block the publisher
	go m.Broadcast(context.Background(), msg)
}

// Broadcast sends the message to every channel, logging failures
func (m *Manager) Broadcast(ctx context.Context, message string) {
	for _, n := range m.notifiers {
		if err := n.Send(ctx, message); err != nil {
			m.log.Error("notification delivery failed", "channel", n.Name(), "error", err)
		}
	}
}

func formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.EventOrderFilled:
		return fmt.Sprintf("Order filled: %v %v x%v @ %v (user %s)",
			ev.Data["side"], ev.Data["symbol"], ev.Data["qty"], ev.Data["price"], ev.UserID)
	case events.EventPositionClosed:
		return fmt.Sprintf("Position closed: %v @ %v, realized P/L %v (user %s)",
			ev.Data["symbol"], ev.Data["close_price"], ev.Data["realized_pl"], ev.UserID)
	case events.EventRiskBreach:
		return fmt.Sprintf("RISK BREACH for user %s: %v", ev.UserID, ev.Data["breaches"])
	case events.EventEmergencyStop:
		return fmt.Sprintf("EMERGENCY STOP for user %s: closed %v positions", ev.UserID, ev.Data["positions_closed"])
	}
	return ""
}

// TelegramNotifier sends messages through the Telegram bot API
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier posts messages to a Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL,
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}

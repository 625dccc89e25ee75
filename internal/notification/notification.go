package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"turtle-futures-bot/internal/events"
	"turtle-futures-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyStateChange   NotificationType = "state_change"
	NotifyOrderFailed   NotificationType = "order_failed"
	NotifyTradingStatus NotificationType = "trading_status"
	NotifySubscription  NotificationType = "subscription"
	NotifyDataRefresh   NotificationType = "data_refresh"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logging.Component(logger, "notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider would deliver
func (m *Manager) Enabled() bool {
	if !m.enabled {
		return false
	}
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var errs []error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("type", string(notification.Type)).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Attach subscribes the manager to every bus event it can render
func (m *Manager) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(e events.Event) {
		n := FromEvent(e)
		if n == nil {
			return
		}
		_ = m.Send(n)
	})
}

// FromEvent renders a bus event, or returns nil for events that are not sent
func FromEvent(e events.Event) *Notification {
	n := &Notification{
		Symbol:    e.InstrumentID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Extra:     e.Data,
	}

	switch e.Type {
	case events.EventStateChanged:
		n.Type = NotifyStateChange
		n.Title = fmt.Sprintf("%s: %v", e.InstrumentID, e.Data["action"])
	case events.EventOrderFailed:
		n.Type = NotifyOrderFailed
		n.Title = fmt.Sprintf("Order failed: %s", e.InstrumentID)
	case events.EventTradingStatus:
		n.Type = NotifyTradingStatus
		n.Title = fmt.Sprintf("Trading status: %s", e.InstrumentID)
	case events.EventSubscriptionAck:
		n.Type = NotifySubscription
		n.Title = "Stream subscription"
		if streams, ok := e.Data["streams"].([]string); ok && len(streams) > 0 {
			n.Message = fmt.Sprintf("%s: %s", e.Message, strings.Join(streams, ", "))
		}
	case events.EventSubscribed, events.EventUnsubscribed:
		n.Type = NotifySubscription
		n.Title = fmt.Sprintf("%s %s", strings.ToLower(string(e.Type)), e.InstrumentID)
	case events.EventBotStarted, events.EventBotStopped:
		n.Type = NotifyInfo
		n.Title = strings.ReplaceAll(strings.ToLower(string(e.Type)), "_", " ")
	case events.EventError:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Error: %v", e.Data["source"])
	default:
		return nil
	}
	return n
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIBase  string // defaults to the public Bot API
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.APIBase
	if base == "" {
		base = telegramAPI
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  strings.TrimRight(base, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    fmt.Sprintf("%s\n\n%s", notification.Title, notification.Message),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyError, NotifyOrderFailed:
		color = 0xFF0000
	case NotifyTradingStatus, NotifySubscription:
		color = 0x3498DB
	}

	ts := notification.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   ts.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}

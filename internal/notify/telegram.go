// Package notify delivers admitted alerts to operators over Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	parseMode     = "HTML"
)

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Telegram sends alert messages to a fixed set of chats. There is no retry.
type Telegram struct {
	client  *resty.Client
	token   string
	chatIDs []string
}

type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
	Timeout  time.Duration
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("at least one telegram chat id is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Telegram{
		client:  client,
		token:   cfg.BotToken,
		chatIDs: append([]string(nil), cfg.ChatIDs...),
	}, nil
}

// Notify sends the alert to every chat. Each chat is attempted; the returned
// error joins every failure.
func (t *Telegram) Notify(ctx context.Context, alert data.Alert) error {
	text := FormatAlert(alert)
	log := logger.WithComponent("telegram")

	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.send(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	log.Debug().Str("alert_id", alert.ID).Int("recipients", len(t.chatIDs)).Msg("telegram alert sent")
	return nil
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	var result apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: parseMode}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("send message: %w", t.redact(err))
	}
	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram api error (status %d): %s", resp.StatusCode(), result.Description)
	}
	return nil
}

// redact strips the request URL, which carries the bot token, from
// transport errors.
func (t *Telegram) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if strings.Contains(err.Error(), t.token) {
		return errors.New(strings.ReplaceAll(err.Error(), t.token, "<redacted>"))
	}
	return err
}

var alertEmoji = map[data.AlertType]string{
	data.AlertTempHigh:     "🔥",
	data.AlertTempLow:      "❄️",
	data.AlertHumidityHigh: "💧",
	data.AlertHumidityLow:  "🏜️",
	data.AlertMotion:       "🚶",
}

// FormatAlert renders the HTML body sent for an alert. Device supplied text
// is escaped.
func FormatAlert(a data.Alert) string {
	emoji, ok := alertEmoji[a.Type]
	if !ok {
		emoji = "⚠️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ <b>%s ALERT</b>\n\n", emoji)
	fmt.Fprintf(&b, "Type: %s\n", strings.ToUpper(strings.ReplaceAll(string(a.Type), "_", " ")))
	fmt.Fprintf(&b, "Message: %s\n", html.EscapeString(a.Message))
	fmt.Fprintf(&b, "Value: %g\n", a.Value)
	fmt.Fprintf(&b, "Threshold: %g\n", a.Threshold)
	fmt.Fprintf(&b, "Device: %s\n", html.EscapeString(a.DeviceID))
	fmt.Fprintf(&b, "Time: %s", a.CreatedAt.UTC().Format(time.RFC1123))
	return b.String()
}

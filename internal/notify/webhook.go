package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPI      = "https://api.telegram.org"
	telegramMaxBytes = 4096
	discordMaxBytes  = 2000
	sendTimeout      = 10 * time.Second
)

// webhook is a JSON POST endpoint. Senders differ only in URL and payload.
type webhook struct {
	name   string
	client *http.Client
}

func newWebhook(name string) webhook {
	return webhook{name: name, client: &http.Client{Timeout: sendTimeout}}
}

// post sends payload to url and treats any non-2xx status as an error that
// carries the start of the response body.
func (w webhook) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", w.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %d: %s", w.name, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// DiscordSender posts to a Discord channel webhook.
type DiscordSender struct {
	webhook
	url string
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhook: newWebhook("discord"), url: webhookURL}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	text := truncate("**"+title+"**\n"+message, discordMaxBytes)
	return d.post(ctx, d.url, map[string]string{"content": text})
}

func (d *DiscordSender) Name() string { return d.name }

// TelegramSender posts to one chat through the Bot API. Markdown control
// characters in titles and messages are escaped; revert reasons and
// identifiers are full of underscores.
type TelegramSender struct {
	webhook
	token   string
	chatID  string
	apiBase string
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{webhook: newWebhook("telegram"), token: token, chatID: chatID, apiBase: telegramAPI}
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := truncate("*"+escapeMarkdown(title)+"*\n"+escapeMarkdown(message), telegramMaxBytes)
	return t.post(ctx, t.apiBase+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return t.name }

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender sends notifications and reads updates via the Telegram Bot API.
type TelegramSender struct {
	botToken string
	baseURL  string
	client   *http.Client
}

func NewTelegramSender(botToken string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the sender at another Bot API endpoint
func (t *TelegramSender) WithBaseURL(baseURL string) *TelegramSender {
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

// User is the Telegram account that sent an update
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat is the conversation an update belongs to
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is an incoming chat message
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Update is one entry returned by getUpdates
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Deliver posts text to the chat identified by subscriberID
func (t *TelegramSender) Deliver(ctx context.Context, subscriberID, text string) error {
	if err := t.SendMessage(ctx, subscriberID, text); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// SendMessage posts an HTML-formatted message to a Telegram chat.
func (t *TelegramSender) SendMessage(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}

	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if _, err := t.call(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	log.Printf("📨 Telegram message sent to chat %s", chatID)
	return nil
}

// GetUpdates long-polls for updates after offset, waiting up to timeout
func (t *TelegramSender) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	raw, err := t.call(ctx, "getUpdates", payload)
	if err != nil {
		return nil, fmt.Errorf("get telegram updates: %w", err)
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode telegram updates: %w", err)
	}
	return updates, nil
}

// PollTimeout is the long-poll wait the HTTP client must outlast
func (t *TelegramSender) PollTimeout() time.Duration {
	return t.client.Timeout - 5*time.Second
}

func (t *TelegramSender) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if t.botToken == "" {
		return nil, fmt.Errorf("telegram bot token is not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal telegram payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the bot token is part of the URL; keep it out of logs
		return nil, fmt.Errorf("telegram request %s: %w", method, redact(err, t.botToken))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, string(body))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode telegram response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram API error: %s", out.Description)
	}
	return out.Result, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<redacted>"), err: err}
}

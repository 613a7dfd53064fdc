// Package telegram is the Telegram-shaped messaging adapter: long polling,
// command dispatch, and streaming message edits during a turn.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

// TelegramAPIBase is the base url for the telegram api.
const TelegramAPIBase = "https://api.telegram.org"

// maxMessageLength is Telegram's hard limit per message.
const maxMessageLength = 4096

// Update represents a Telegram update containing a message.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// User represents a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// apiClient wraps the raw Bot API.
type apiClient struct {
	token   string
	baseURL string
	client  *http.Client
}

func newAPIClient(token string) *apiClient {
	return &apiClient{
		token:   token,
		baseURL: TelegramAPIBase,
		// 45s allows the 30s long-poll timeout plus network overhead.
		client: &http.Client{Timeout: 45 * time.Second},
	}
}

// call posts a Bot API method and decodes the result envelope.
func (a *apiClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, method)

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram API error on %s: %d %s", method, envelope.ErrorCode, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (a *apiClient) getUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	var updates []Update
	err := a.call(ctx, "getUpdates", map[string]interface{}{
		"offset":  offset,
		"timeout": timeoutSec,
	}, &updates)
	return updates, err
}

func (a *apiClient) sendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var msg Message
	err := a.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    truncateMessage(text),
	}, &msg)
	return msg.MessageID, err
}

func (a *apiClient) editMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	return a.call(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       truncateMessage(text),
	}, nil)
}

func (a *apiClient) deleteMessage(ctx context.Context, chatID, messageID int64) error {
	return a.call(ctx, "deleteMessage", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

func (a *apiClient) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return a.call(ctx, "sendChatAction", map[string]interface{}{
		"chat_id": chatID,
		"action":  action,
	}, nil)
}

func (a *apiClient) getMe(ctx context.Context) (*User, error) {
	var me User
	if err := a.call(ctx, "getMe", map[string]interface{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (a *apiClient) deleteWebhook(ctx context.Context, dropPendingUpdates bool) error {
	return a.call(ctx, "deleteWebhook", map[string]interface{}{
		"drop_pending_updates": dropPendingUpdates,
	}, nil)
}

// truncateMessage keeps a body under Telegram's per-message character
// limit, cutting on a rune boundary: the API rejects invalid UTF-8.
func truncateMessage(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageLength {
		return text
	}
	return string([]rune(text)[:maxMessageLength-1]) + "…"
}

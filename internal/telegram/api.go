package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	parseModeMarkdown = "Markdown"
	pollGrace         = 30 * time.Second
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// ChatID is the chat the update came from, or 0 when it has none.
func (u Update) ChatID() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat.ID
	}
	return 0
}

type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func isParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "parse")
}

// Client is a minimal Bot API client. Outbound calls other than
// getUpdates share one rate limiter.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// HTTPTimeout bounds one Bot API round trip. It must outlast a long
// poll of pollSeconds.
func HTTPTimeout(pollSeconds int) time.Duration {
	return time.Duration(max(pollSeconds, 0))*time.Second + pollGrace
}

func NewClient(apiURL, token string, perSecond int, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: HTTPTimeout(0)}
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	return &Client{
		base:    strings.TrimRight(apiURL, "/") + "/bot" + token,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	if method != "getUpdates" {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var result struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("telegram %s: status %d: %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		code := result.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: result.Description}
	}
	if out != nil && len(result.Result) > 0 {
		return json.Unmarshal(result.Result, out)
	}
	return nil
}

// SendMessage posts Markdown text. Text Telegram cannot parse as Markdown
// is resent without formatting.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (Message, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": parseModeMarkdown,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}

	var msg Message
	err := c.call(ctx, "sendMessage", payload, &msg)
	if isParseError(err) {
		delete(payload, "parse_mode")
		err = c.call(ctx, "sendMessage", payload, &msg)
	}
	return msg, err
}

// EditMessageText replaces a message's text and drops its keyboard.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": parseModeMarkdown,
	}
	err := c.call(ctx, "editMessageText", payload, nil)
	if isParseError(err) {
		delete(payload, "parse_mode")
		err = c.call(ctx, "editMessageText", payload, nil)
	}
	return err
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error {
	payload := map[string]any{"callback_query_id": id}
	if text != "" {
		payload["text"] = text
	}
	if alert {
		payload["show_alert"] = true
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSeconds,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sender is the delivery seam the worker sends through. The production
// implementation is Client; tests plug in a recorder.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, message RenderedMessage, threadID int) SendResult
}

// Client posts sendMessage calls to the Bot API. The token never
// appears in logs or errors; sanitize replaces it with the masked form.
type Client struct {
	botToken    string
	maskedToken string
	baseURL     string
	httpClient  *http.Client
}

// NewClient builds a client with the given request timeout.
func NewClient(botToken string, requestTimeout time.Duration) *Client {
	if requestTimeout < 500*time.Millisecond {
		requestTimeout = 500 * time.Millisecond
	}
	token := strings.TrimSpace(botToken)
	return &Client{
		botToken:    token,
		maskedToken: maskSecret(token),
		baseURL:     "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// MaskedToken is safe to log.
func (c *Client) MaskedToken() string {
	return c.maskedToken
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage delivers one message. Network failures come back as
// status 0 with a sanitized error; HTTP errors carry the API
// description and any retry_after hint.
func (c *Client) SendMessage(ctx context.Context, chatID string, message RenderedMessage, threadID int) SendResult {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", message.Text)
	form.Set("disable_web_page_preview", "true")
	if message.ParseMode != "" {
		form.Set("parse_mode", message.ParseMode)
	}
	if threadID != 0 {
		form.Set("message_thread_id", strconv.Itoa(threadID))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{StatusCode: 0, Error: c.sanitize(err.Error())}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{StatusCode: 0, Error: c.sanitize(err.Error())}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return c.parseResponse(resp.StatusCode, body)
}

func (c *Client) parseResponse(statusCode int, body []byte) SendResult {
	var parsed apiResponse
	haveBody := len(body) > 0 && json.Unmarshal(body, &parsed) == nil

	okFlag := 200 <= statusCode && statusCode < 300
	if haveBody {
		okFlag = parsed.OK
	}
	success := okFlag && 200 <= statusCode && statusCode < 300

	result := SendResult{OK: success, StatusCode: statusCode}
	if haveBody && parsed.Parameters != nil {
		result.RetryAfter = parsed.Parameters.RetryAfter
	}
	if !success {
		if haveBody && parsed.Description != "" {
			result.Error = c.sanitize(parsed.Description)
		} else {
			result.Error = fmt.Sprintf("http_%d", statusCode)
		}
	}
	return result
}

func (c *Client) sanitize(text string) string {
	if c.botToken == "" {
		return text
	}
	return strings.ReplaceAll(text, c.botToken, c.maskedToken)
}

func maskSecret(secret string) string {
	text := strings.TrimSpace(secret)
	if text == "" {
		return "none"
	}
	if len(text) <= 8 {
		return strings.Repeat("*", len(text))
	}
	return text[:4] + "..." + text[len(text)-4:]
}

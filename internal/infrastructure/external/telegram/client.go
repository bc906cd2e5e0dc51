// Package telegram posts training notifications to a Telegram chat through
// the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig configures a Client. BaseURL is overridden in tests.
type ClientConfig struct {
	Token   string
	BaseURL string
	Timeout time.Duration

	// RetryAttempts counts retries after the first call. Rate limits and
	// server errors are retried; the API's retry_after wins over RetryDelay.
	RetryAttempts int
	RetryDelay    time.Duration

	Logger *slog.Logger
}

// DefaultClientConfig targets the public Bot API.
func DefaultClientConfig(token string) ClientConfig {
	return ClientConfig{
		Token:         token,
		BaseURL:       "https://api.telegram.org",
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// API TYPES
// ══════════════════════════════════════════════════════════════════════════════

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Message is the part of a sent message the service reads back.
type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s (%d)", e.Description, e.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is a minimal Bot API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Telegram client.
func NewClient(config ClientConfig) *Client {
	def := DefaultClientConfig(config.Token)
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger.With("component", "telegram"),
	}
}

// SendMessage sends an HTML formatted message without link previews.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string, silent bool) (*Message, error) {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     html,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if silent {
		body["disable_notification"] = true
	}

	var msg Message
	if err := c.callAPI(ctx, "sendMessage", body, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}

// GetMe returns the bot account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.callAPI(ctx, "getMe", nil, &u); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	return &u, nil
}

// Ping checks the token against the API.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetMe(ctx)
	return err
}

func (c *Client) callAPI(ctx context.Context, method string, body map[string]any, result any) error {
	policy := retry.Policy{
		Attempts: c.config.RetryAttempts + 1,
		Base:     c.config.RetryDelay,
		Max:      time.Minute,
		RetryIf:  isRetryable,
		WaitHint: func(err error) time.Duration {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return time.Duration(apiErr.RetryAfter) * time.Second
			}
			return 0
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("telegram call failed, retrying", "method", method, "attempt", attempt, "delay", delay, "error", err)
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return c.doAPICall(ctx, method, body, result)
	})
}

func (c *Client) doAPICall(ctx context.Context, method string, body map[string]any, result any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, c.config.Token, method)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{Code: resp.StatusCode, Description: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !apiResp.OK {
		apiErr := &APIError{Code: apiResp.ErrorCode, Description: apiResp.Description}
		if apiResp.Parameters != nil {
			apiErr.RetryAfter = apiResp.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// isRetryable reports rate limits, server errors and network timeouts.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

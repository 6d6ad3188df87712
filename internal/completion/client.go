// Package completion calls an external text-completion service and appends
// its replies to the message log as bot-authored messages.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"
)

// DefaultEndpoint is the completion endpoint used when none is configured.
const DefaultEndpoint = "https://api.openai.com/v1/completions"

// ErrCompletion indicates the completion call failed or returned malformed data.
var ErrCompletion = errors.New("completion failed")

// Params are the fixed generation parameters sent with every prompt.
type Params struct {
	Model            string  `json:"model" toml:"model"`
	MaxTokens        int     `json:"max_tokens" toml:"max_tokens"`
	TopP             float64 `json:"top_p" toml:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" toml:"presence_penalty"`
	Temperature      float64 `json:"temperature" toml:"temperature"`
}

// DefaultParams returns the stock generation parameters.
func DefaultParams() Params {
	return Params{
		Model:            "text-davinci-003",
		MaxTokens:        150,
		TopP:             1,
		FrequencyPenalty: 0,
		PresencePenalty:  0.6,
		Temperature:      0.9,
	}
}

type request struct {
	Prompt string `json:"prompt"`
	Params
}

type response struct {
	Choices []struct {
		Text *string `json:"text"`
	} `json:"choices"`
}

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client is an HTTP completion client.
type Client struct {
	endpoint   string
	apiKey     string
	params     Params
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A nil httpClient uses a client without timeout.
func NewClient(log *slog.Logger, endpoint, apiKey string, params Params, httpClient *http.Client) *Client {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		params:     params,
		httpClient: httpClient,
		logger:     log.With(slog.String("service", "completion")),
	}
}

// Complete sends prompt and returns the first choice's text, trimmed. Any
// transport failure, non-2xx status or unparsable body wraps ErrCompletion.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(request{Prompt: prompt, Params: c.params})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrCompletion, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("completion error", slog.Int("status", resp.StatusCode), slog.String("body_prefix", truncate(string(respBody), 300)))
		return "", fmt.Errorf("%w: status %d", ErrCompletion, resp.StatusCode)
	}

	var parsed response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Error("completion response parse failed", slog.String("body_prefix", truncate(string(respBody), 300)), slog.Any("error", err))
		return "", fmt.Errorf("%w: parse response: %w", ErrCompletion, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrCompletion)
	}
	text := parsed.Choices[0].Text
	if text == nil {
		c.logger.Error("completion choice has no text", slog.String("body_prefix", truncate(string(respBody), 300)))
		return "", fmt.Errorf("%w: choice has no text", ErrCompletion)
	}
	return strings.TrimSpace(*text), nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

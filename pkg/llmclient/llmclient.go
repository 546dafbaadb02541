// Package llmclient submits classification, response-generation, and
// escalation-planning prompts to the configured LLM endpoint and parses
// JSON out of free-form text responses. It makes single request/response
// calls with retry and error classification; it has no streaming or
// tool-call support.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
)

// Limiter gates outbound requests per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Config configures a single invocation's model parameters. Per-call
// options override the client's defaults.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ClientConfig configures the LLM client as a whole.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	MaxRetries int
	Default    Config
}

// Client submits prompts to the configured LLM endpoint over HTTP.
type Client struct {
	http    *http.Client
	cfg     ClientConfig
	limiter Limiter
	logger  *slog.Logger
}

// NewClient builds an LLM Client. Every call to Invoke is gated through
// limiter the same way the mail and chat gateways gate theirs.
func NewClient(cfg ClientConfig, limiter Limiter) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Default.Timeout <= 0 {
		cfg.Default.Timeout = 30 * time.Second
	}
	return &Client{
		http:    &http.Client{},
		cfg:     cfg,
		limiter: limiter,
		logger:  slog.Default().With("component", "llm-client"),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Invoke submits systemPrompt/userPrompt and returns the model's text
// response. It retries up to cfg.MaxRetries times with exponential
// backoff on network timeouts, 5xx responses, and empty choice lists;
// it never retries 4xx validation errors.
func (c *Client) Invoke(ctx context.Context, systemPrompt, userPrompt string, opt Config) (string, error) {
	if _, err := c.limiter.Allow(ctx, "llm"); err != nil {
		return "", err
	}

	model := opt.Model
	if model == "" {
		model = c.cfg.Default.Model
	}
	maxTokens := opt.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.Default.MaxTokens
	}
	temperature := opt.Temperature
	if temperature == 0 {
		temperature = c.cfg.Default.Temperature
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Default.Timeout
	}

	req := chatRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []chatMsg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)

	var text string
	err := backoff.Retry(func() error {
		out, err := c.attempt(ctx, req, timeout)
		if err == nil {
			text = out
			return nil
		}
		if !apperrors.Retryable(apperrors.KindOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) attempt(ctx context.Context, req chatRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("llmclient: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(apperrors.KindTimeout, err)
		}
		return "", apperrors.Wrap(apperrors.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindTransientNetwork, err)
	}

	if resp.StatusCode >= 500 {
		return "", apperrors.Newf(apperrors.KindTransientNetwork, "llmclient: endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if resp.StatusCode >= 400 {
		return "", apperrors.Newf(apperrors.KindMalformed, "llmclient: endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperrors.Wrap(apperrors.KindParseError, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", apperrors.Newf(apperrors.KindTransientNetwork, "llmclient: endpoint returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Unparseable is the sentinel JSON envelope returned by ParseJSONEnvelope
// when no JSON object could be extracted from the model's text.
const Unparseable = "unparseable"

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// ParseJSONEnvelope extracts a JSON object from free-form LLM text. It
// accepts raw JSON, a ```json fenced block, or falls back to the
// longest brace-delimited span in the text. On failure it returns a map
// with a single "status": Unparseable key rather than an error, since
// callers always have a fallback classification or plan to use instead.
func ParseJSONEnvelope(text string) map[string]any {
	trimmed := strings.TrimSpace(text)

	if obj, ok := tryUnmarshal(trimmed); ok {
		return obj
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if obj, ok := tryUnmarshal(m[1]); ok {
			return obj
		}
	}
	if span := longestBraceSpan(trimmed); span != "" {
		if obj, ok := tryUnmarshal(span); ok {
			return obj
		}
	}
	return map[string]any{"status": Unparseable}
}

func tryUnmarshal(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// longestBraceSpan returns the longest substring starting at a '{' and
// ending at its matching '}', scanning for candidate spans by depth.
func longestBraceSpan(s string) string {
	best := ""
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := s[start : i+1]
					if len(candidate) > len(best) {
						best = candidate
					}
				}
			}
		}
	}
	return best
}

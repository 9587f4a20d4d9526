// Package llm implements core.JSONGenerator against an OpenAI compatible
// chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service"
)

const maxResponseSize = 10 * 1024 * 1024

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// JSONMode asks the endpoint for a JSON object reply.
	JSONMode bool
	Timeout  time.Duration
}

// Client is a chat completions client.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	jsonMode   bool
	httpClient *http.Client
	policy     *service.RetryPolicy
	throttle   *service.Throttle
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryPolicy replaces the transport retry policy.
func WithRetryPolicy(p *service.RetryPolicy) Option {
	return func(cl *Client) { cl.policy = p }
}

// WithThrottle paces outgoing calls and reports 429 replies to t.
func WithThrottle(t *service.Throttle) Option {
	return func(cl *Client) { cl.throttle = t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("llm: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	c := &Client{
		endpoint:   u.JoinPath("chat", "completions").String(),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		jsonMode:   cfg.JSONMode,
		httpClient: &http.Client{Timeout: timeout},
		policy:     service.TransportRetryPolicy(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model implements core.JSONGenerator.
func (c *Client) Model() string { return c.model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate implements core.JSONGenerator. Throttling and server errors are
// retried under the transport policy; the caller's budget bounds the total.
func (c *Client) Generate(ctx context.Context, req core.GenerationRequest) (core.GenerationResult, error) {
	body := chatRequest{Model: c.model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if c.jsonMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return core.GenerationResult{}, fmt.Errorf("encoding chat request: %w", err)
	}

	start := time.Now()
	var out core.GenerationResult
	err = c.policy.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		res, err := c.do(ctx, payload)
		if err != nil {
			return err
		}
		out = res
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("model request failed, retrying",
			"attempt", attempt,
			"delay", delay.Round(time.Millisecond).String(),
			"error", err)
	})
	if err != nil {
		return core.GenerationResult{}, err
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (core.GenerationResult, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return core.GenerationResult{}, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.GenerationResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return core.GenerationResult{}, ctx.Err()
		}
		return core.GenerationResult{}, core.ErrNetwork("model endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return core.GenerationResult{}, core.ErrNetwork("reading model reply").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if c.throttle != nil {
			c.throttle.Throttled()
		}
		return core.GenerationResult{}, core.ErrNetwork("model endpoint throttled the request")
	case resp.StatusCode >= 500:
		return core.GenerationResult{}, core.ErrNetwork(fmt.Sprintf("model endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return core.GenerationResult{}, &core.DomainError{
			Category:  core.ErrCatExecution,
			Code:      core.CodeModelFailed,
			Message:   fmt.Sprintf("model endpoint returned %d: %s", resp.StatusCode, core.Truncate(strings.TrimSpace(string(data)), 200)),
			Retryable: false,
		}
	}
	if c.throttle != nil {
		c.throttle.Succeeded()
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return core.GenerationResult{}, core.ErrExecution(core.CodeModelFailed, "model reply is not valid JSON").WithCause(err)
	}
	if parsed.Error != nil {
		return core.GenerationResult{}, core.ErrExecution(core.CodeModelFailed, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return core.GenerationResult{}, core.ErrExecution(core.CodeModelFailed, "model reply has no choices")
	}
	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return core.GenerationResult{Content: parsed.Choices[0].Message.Content, Model: model}, nil
}


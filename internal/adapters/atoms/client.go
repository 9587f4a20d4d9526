// Package atoms implements core.AtomDispatcher over the atom service's HTTP API.
package atoms

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

// maxResponseSize limits a reply body.
const maxResponseSize = 10 * 1024 * 1024

// Config configures the client.
type Config struct {
	// BaseURL serves /atoms/{id}/prompt and /atoms/{id}/execute.
	BaseURL string
	// CardsURL serves /cards. Defaults to BaseURL.
	CardsURL string
	APIKey   string
	Timeout  time.Duration
}

// Client talks to the atom and card services.
type Client struct {
	base       *url.URL
	cards      *url.URL
	apiKey     string
	httpClient *http.Client
	throttle   *service.Throttle
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
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
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("atoms base url: %w", err)
	}
	cards := base
	if cfg.CardsURL != "" {
		if cards, err = parseBase(cfg.CardsURL); err != nil {
			return nil, fmt.Errorf("atoms cards url: %w", err)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c := &Client{
		base:       base,
		cards:      cards,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

type cardResponse struct {
	CardID string `json:"card_id"`
	ID     string `json:"id"`
}

// AddCard implements core.AtomDispatcher.
func (c *Client) AddCard(ctx context.Context, req core.CardRequest) (string, error) {
	var resp cardResponse
	if err := c.post(ctx, c.cards, "cards", req, &resp); err != nil {
		return "", err
	}
	id := resp.CardID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return "", core.ErrExecution(core.CodeCardFailed, "card service returned no card id")
	}
	return id, nil
}

type fetchBody struct {
	SequenceID string               `json:"sequence_id,omitempty"`
	Context    core.RenderedContext `json:"context"`
}

type fetchResponse struct {
	Prompt string `json:"prompt"`
}

// FetchAtom implements core.AtomDispatcher.
func (c *Client) FetchAtom(ctx context.Context, req core.FetchRequest) (string, error) {
	var resp fetchResponse
	body := fetchBody{SequenceID: req.SequenceID, Context: req.Context}
	if err := c.post(ctx, c.base, "atoms/"+url.PathEscape(req.AtomID)+"/prompt", body, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

type executeResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	OutputPath string          `json:"output_path"`
}

// ExecuteAtom implements core.AtomDispatcher.
func (c *Client) ExecuteAtom(ctx context.Context, req core.ExecuteRequest) (core.AtomResult, error) {
	var resp executeResponse
	if err := c.post(ctx, c.base, "atoms/"+url.PathEscape(req.AtomID)+"/execute", req, &resp); err != nil {
		return core.AtomResult{}, err
	}
	return core.AtomResult{
		Success:    resp.Success,
		Data:       core.ValueFromJSON(resp.Data),
		Error:      resp.Error,
		OutputPath: resp.OutputPath,
	}, nil
}

// post sends body as JSON and decodes the reply into out. Transport failures,
// throttling and 5xx replies are retryable; other 4xx replies are not.
func (c *Client) post(ctx context.Context, base *url.URL, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := base.JoinPath(path).String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.ErrNetwork("atom service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return core.ErrNetwork("reading atom service reply").WithCause(err)
	}
	c.logger.Debug("atom service call",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if err := c.statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if c.throttle != nil {
		c.throttle.Succeeded()
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.ErrExecution(core.CodeParseFailed, "atom service reply is not valid JSON").WithCause(err)
	}
	return nil
}

func (c *Client) statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf("atom service returned %d: %s", status, snippet(body))
	switch {
	case status == http.StatusTooManyRequests:
		if c.throttle != nil {
			c.throttle.Throttled()
		}
		return core.ErrNetwork(msg).WithDetail("status", status)
	case status >= 500:
		return core.ErrNetwork(msg).WithDetail("status", status)
	default:
		return &core.DomainError{
			Category:  core.ErrCatExecution,
			Code:      core.CodeAtomRejected,
			Message:   msg,
			Retryable: false,
			Details:   map[string]interface{}{"status": status},
		}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

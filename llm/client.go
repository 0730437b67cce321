// Package llm calls OpenAI-compatible chat completion endpoints (OpenAI,
// vLLM, other self-hosted servers) with a bounded retry policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// RetryConfig bounds retries of a single completion call.
type RetryConfig struct {
	// MaxAttempts includes the first call.
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Config describes one endpoint.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"-"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// Client issues single-turn completions.
type Client struct {
	api *openai.Client
	cfg Config
	log *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg, log: log}
}

// Model is the default model used when Complete gets an empty model name.
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	r := c.cfg.Retry
	b := backoff.NewExponentialBackOff()
	if r.BackoffBase > 0 {
		b.InitialInterval = r.BackoffBase
	}
	if r.BackoffMultiplier > 0 {
		b.Multiplier = r.BackoffMultiplier
	}
	if r.MaxBackoff > 0 {
		b.MaxInterval = r.MaxBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.MaxAttempts-1)), ctx)
}

// Complete sends prompt as a single user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return "", &FatalError{err: errors.New("no model configured")}
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var out string
	attempt := 0
	op := func() error {
		attempt++
		callCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}
		resp, err := c.api.CreateChatCompletion(callCtx, req)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				// per-call timeout, not the caller's deadline
				return &TransientError{err: err}
			}
			cerr := classify(err)
			if IsFatal(cerr) {
				return backoff.Permanent(cerr)
			}
			return cerr
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return &TransientError{err: errors.New("empty completion")}
		}
		out = resp.Choices[0].Message.Content
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("llm call failed, retrying", "model", model, "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, c.policy(ctx), notify); err != nil {
		return "", fmt.Errorf("llm %s after %d attempt(s): %w", model, attempt, err)
	}
	return out, nil
}

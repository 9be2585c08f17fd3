package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var (
	// ErrAIUnavailable is returned when the OpenAI integration is not configured.
	ErrAIUnavailable = errors.New("openai integration is not configured")
)

const (
	// progressDelta is the minimum number of newly accumulated characters
	// between two progress callback invocations during streaming.
	progressDelta = 500

	defaultBaseDelay  = 2 * time.Second
	defaultRetryFloor = 30 * time.Second
	maxTokens         = 8192
)

// CallerOptions tune the retry and timeout behaviour of a Caller.
type CallerOptions struct {
	CallTimeout      time.Duration
	MaxRetries       int
	MaxStreamRetries int
	BaseDelay        time.Duration
	RetryAfterFloor  time.Duration
}

// Caller wraps the chat-completions client with per-attempt timeouts, retry
// classification and exponential backoff. One Caller is shared by the whole
// ingestion run; it holds no per-call state.
type Caller struct {
	client *openai.Client
	model  string
	opts   CallerOptions
	logger *zap.Logger
}

func NewCaller(apiKey, model, apiEndpoint string, opts CallerOptions, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 3 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxStreamRetries <= 0 {
		opts.MaxStreamRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.RetryAfterFloor <= 0 {
		opts.RetryAfterFloor = defaultRetryFloor
	}

	if apiKey == "" {
		return &Caller{opts: opts, logger: logger}
	}

	cfg := openai.DefaultConfig(apiKey)
	if apiEndpoint != "" {
		cfg.BaseURL = apiEndpoint
	}
	return &Caller{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		opts:   opts,
		logger: logger,
	}
}

func (c *Caller) disabled() bool {
	return c.client == nil || c.model == ""
}

// Complete sends the prompt and returns the full response text. Transient
// failures (timeout, rate limit, overload, 5xx) are retried with backoff up to
// MaxRetries additional attempts; anything else propagates immediately.
func (c *Caller) Complete(ctx context.Context, prompt string) (string, error) {
	if c.disabled() {
		return "", ErrAIUnavailable
	}

	var lastErr error
	attempts := c.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BaseDelay, retryAfterHint(lastErr), c.opts.RetryAfterFloor)
			c.logger.Warn("retrying ai call",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
		}

		text, err := c.completeOnce(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("ai call failed after %d attempts: %w", attempts, lastErr)
}

func (c *Caller) completeOnce(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(prompt, false))
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends the prompt and consumes the response incrementally. onProgress,
// when non-nil, receives the accumulated text roughly every progressDelta
// characters and once more at completion. The full text is returned once the
// stream finishes naturally. Transient failures restart the stream from
// scratch, up to MaxStreamRetries additional attempts.
func (c *Caller) Stream(ctx context.Context, prompt string, onProgress func(accumulated string)) (string, error) {
	if c.disabled() {
		return "", ErrAIUnavailable
	}

	var lastErr error
	attempts := c.opts.MaxStreamRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BaseDelay, retryAfterHint(lastErr), c.opts.RetryAfterFloor)
			c.logger.Warn("retrying ai stream",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
		}

		text, err := c.streamOnce(ctx, prompt, onProgress)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("ai stream failed after %d attempts: %w", attempts, lastErr)
}

func (c *Caller) streamOnce(ctx context.Context, prompt string, onProgress func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(prompt, true))
	if err != nil {
		return "", fmt.Errorf("open chat completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	lastReported := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive stream chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onProgress != nil && full.Len()-lastReported >= progressDelta {
			lastReported = full.Len()
			onProgress(full.String())
		}
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("model returned empty stream")
	}
	if onProgress != nil && full.Len() != lastReported {
		onProgress(text)
	}
	return text, nil
}

func (c *Caller) buildRequest(prompt string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: generationSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.4,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

// isRetryable reports whether the failure is worth another attempt: timeouts,
// rate limits, overload and 5xx-class statuses are transient; auth and
// malformed-request errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusConflict:
		// Conflicts from concurrent requests on the provider side clear
		// on retry.
		return true
	case status >= 500:
		// Includes 529-style overload statuses.
		return true
	default:
		return false
	}
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try) again in (\d+(?:\.\d+)?)\s*s`)

// retryAfterHint extracts an explicit cooldown from a rate-limit error
// message, when the service provided one. Zero means no hint.
func retryAfterHint(err error) time.Duration {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	m := retryAfterPattern.FindStringSubmatch(apiErr.Message)
	if m == nil {
		return 0
	}
	secs, convErr := strconv.ParseFloat(m[1], 64)
	if convErr != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// backoffDelay computes the wait before the attempt following failed attempt
// i: base*2^i plus jitter, unless the failure carried an explicit retry-after
// hint, in which case the wait is max(hint, floor).
func backoffDelay(attempt int, base, hint, floor time.Duration) time.Duration {
	if hint > 0 {
		if hint < floor {
			return floor
		}
		return hint
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first. The
// timer is always stopped so an abandoned retry loop leaks nothing.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

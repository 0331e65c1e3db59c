package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	// maxAttempts bounds the retry loop per request.
	maxAttempts = 40

	// defaultCooldown is the minimum gap between requests when none is
	// configured.
	defaultCooldown = time.Second

	// retryableSleep is the pause after transient non-rate-limit errors.
	retryableSleep = time.Second

	// rateLimitSleep is the pause after a rate-limit error whose message
	// carried no usable retry hint.
	rateLimitSleep = 5 * time.Second
)

// retryAfterRe extracts the suggested wait from rate-limit error bodies,
// e.g. "Please try again in 1.234s".
var retryAfterRe = regexp.MustCompile(`try again in ([0-9.]+)s`)

type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// ResolveAPIKey returns the inference credential from the environment,
// falling back to the container secret mount. Startup precondition checks
// and the client share this resolution.
func ResolveAPIKey() (string, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	secretPath := "/run/secrets/openai_api_key"
	data, err := os.ReadFile(secretPath)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		slog.Info("Read the OpenAI API Key from Podman Secrets")
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("OPENAI_API_KEY environment variable not set")
}

// NewOpenAIClient builds the production inference client. The cooldown is
// the process-wide minimum gap between requests; every Generate and
// GenerateBatch call waits on the same limiter, which is the guard against
// tripping provider rate limits when stage workers fan out.
func NewOpenAIClient(model string, cooldown time.Duration) (*OpenAIClient, error) {
	apiKey, err := ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("model not set, defaulting to gpt-4o-mini")
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	slog.Info("Initializing OpenAI client", "model", model, "cooldown", cooldown)
	return &OpenAIClient{
		client:  openai.NewClient(apiKey),
		model:   model,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
	}, nil
}

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	resp, err := o.createWithRetry(ctx, o.buildRequest(prompt, 1, params))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}

	content := resp.Choices[0].Message.Content
	if content == "" && params.MaxTokens != nil {
		// Truncated-to-nothing replies sometimes recover with more room.
		slog.Warn("empty completion, retrying with a larger token cap", "model", o.model)
		bumped := params
		bumped.MaxTokens = Int(*params.MaxTokens * 2)
		resp, err = o.createWithRetry(ctx, o.buildRequest(prompt, 1, bumped))
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("OpenAI returned no choices")
		}
		content = resp.Choices[0].Message.Content
	}
	return content, nil
}

// GenerateBatch implements the Client interface.
func (o *OpenAIClient) GenerateBatch(ctx context.Context, prompt string, n int, params GenerationParams) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	resp, err := o.createWithRetry(ctx, o.buildRequest(prompt, n, params))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	out := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		out = append(out, c.Message.Content)
	}
	return out, nil
}

func (o *OpenAIClient) buildRequest(prompt string, n int, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		N:     n,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// createWithRetry issues the request under the shared cooldown, retrying
// transient failures. Rate-limit errors sleep the provider's suggested
// wait when the message carries one.
func (o *OpenAIClient) createWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return openai.ChatCompletionResponse{}, err
		}

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.HTTPStatusCode {
			case 400, 401, 403, 404:
				slog.Error("OpenAI API call failed", "error", err)
				return openai.ChatCompletionResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
			case 429:
				wait := suggestedWait(apiErr.Message)
				slog.Warn("rate limited, backing off",
					"attempt", attempt, "wait", wait)
				if err := sleepCtx(ctx, wait); err != nil {
					return openai.ChatCompletionResponse{}, err
				}
				continue
			}
		}

		slog.Warn("OpenAI API call failed, retrying",
			"attempt", attempt, "error", err)
		if err := sleepCtx(ctx, retryableSleep); err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("OpenAI API call failed after %d attempts: %w", maxAttempts, lastErr)
}

// suggestedWait parses the retry hint from a rate-limit message.
func suggestedWait(message string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(message)
	if len(m) == 2 {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return rateLimitSleep
}

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

package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Low temperature for consistent, factual outputs.
	defaultTemperature = 0.3

	defaultRequestsPerMinute = 50.0
	defaultBurst             = 5
)

// ClientConfig holds settings for the reasoning service client.
type ClientConfig struct {
	// BaseURL is an OpenAI-compatible chat completions endpoint.
	BaseURL string

	// Model is the chat model name.
	Model string

	// APIKey authenticates against the endpoint.
	APIKey string

	// RequestsPerMinute bounds the client-side request rate. The remote
	// service is shared between concurrently running stages.
	RequestsPerMinute float64

	// Burst is the rate limiter burst size.
	Burst int
}

// Client implements Invoker against an OpenAI-compatible LLM service.
type Client struct {
	llm      *openai.LLM
	profiles map[Role]Profile
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient creates a reasoning service client.
func NewClient(cfg ClientConfig, profiles map[Role]Profile, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("LLM base URL required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("LLM model required")
	}
	if cfg.APIKey == "" {
		// langchaingo requires a token even for local endpoints
		cfg.APIKey = "placeholder"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &Client{
		llm:      llm,
		profiles: profiles,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst),
		logger:   logger,
	}, nil
}

// Invoke sends the request to the reasoning service and returns its text
// result. Deadlines come from ctx; the client adds none of its own.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	profile, ok := c.profiles[req.Role]
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvocationFailed, req.Role)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", mapInvokeError(err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt(profile)),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt(req)),
	}

	c.logger.Debug("invoking agent", zap.String("role", string(req.Role)))

	resp, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(defaultTemperature))
	if err != nil {
		c.logger.Warn("agent invocation failed",
			zap.String("role", string(req.Role)),
			zap.Error(err),
		)
		return "", mapInvokeError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrInvocationFailed)
	}

	return resp.Choices[0].Content, nil
}

// mapInvokeError maps transport errors into the invocation taxonomy.
func mapInvokeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInvocationTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInvocationFailed, err)
}

// systemPrompt renders the persona blob verbatim.
func systemPrompt(p Profile) string {
	var b strings.Builder
	b.WriteString("You are: ")
	b.WriteString(p.Role)
	b.WriteString("\n\nGoal: ")
	b.WriteString(p.Goal)
	b.WriteString("\n\nBackground: ")
	b.WriteString(p.Backstory)
	return b.String()
}

// userPrompt renders the task, payload documents in stable order, and any
// corrective feedback.
func userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Task)

	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString("\n\n## ")
		b.WriteString(k)
		b.WriteString("\n")
		b.WriteString(req.Payload[k])
	}

	if req.Feedback != "" {
		b.WriteString("\n\nPREVIOUS VALIDATION FEEDBACK:\n")
		b.WriteString(req.Feedback)
	}

	return b.String()
}

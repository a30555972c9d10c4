package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic Messages backend.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// Anthropic generates with the Anthropic Messages API.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
	now     func() time.Time
}

// NewAnthropic creates the backend. SDK retries are disabled by default so
// the caller decides how to retry transient failures.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic backend: API key is required")
	}
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:  anthropic.NewClient(opts...),
		model:   model,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

// Name implements Backend.
func (a *Anthropic) Name() string { return "anthropic" }

// Close implements Backend.
func (a *Anthropic) Close() error { return nil }

// Generate implements Backend.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		Messages:  messages,
		MaxTokens: int64(req.MaxOutputTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropic(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	res := ParseReply(req.Kind, text.String(), a.now().UTC())
	res.Model = string(resp.Model)
	res.Usage = TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
	return res, nil
}

func classifyAnthropic(err error) error {
	if classified, ok := classifyContext(err); ok {
		return classified
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.StatusCode, err)
	}
	// No status means the request never completed: network failure.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

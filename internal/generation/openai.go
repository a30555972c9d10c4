package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI Chat Completions backend.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// OpenAI generates with the OpenAI Chat Completions API.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
	now     func() time.Time
}

// NewOpenAI creates the backend with SDK retries set by cfg.MaxRetries.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai backend: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai" }

// Close implements Backend.
func (o *OpenAI) Close() error { return nil }

// Generate implements Backend.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxOutputTokens)),
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrPermanent)
	}

	res := ParseReply(req.Kind, resp.Choices[0].Message.Content, o.now().UTC())
	res.Model = resp.Model
	res.Usage = TokenUsage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
	return res, nil
}

func classifyOpenAI(err error) error {
	if classified, ok := classifyContext(err); ok {
		return classified
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

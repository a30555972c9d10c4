// Package generation abstracts the generative AI service behind a single
// Backend strategy. The coordinator never knows which implementation it holds.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/containerd/errdefs"
)

// Error classes returned by every backend.
var (
	// ErrTransient marks failures worth retrying: timeouts, throttling, outages.
	ErrTransient = fmt.Errorf("generation unavailable: %w", domain.ErrTransient)
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = fmt.Errorf("generation failed: %w", errdefs.ErrInternal)
)

// Kind selects the shape of result a request expects.
type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindChat     Kind = "chat"
)

// Message is one prior exchange passed as conversation history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a single generation call.
type Request struct {
	Kind            Kind         `json:"kind"`
	SessionID       string       `json:"sessionId"`
	Agent           domain.Agent `json:"agent"`
	Topic           domain.Topic `json:"topic,omitempty"`
	Locale          string       `json:"locale,omitempty"`
	System          string       `json:"system,omitempty"`
	Prompt          string       `json:"prompt"`
	History         []Message    `json:"history,omitempty"`
	MaxOutputTokens int          `json:"maxOutputTokens"`
}

// TokenUsage is what the service billed for one call.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// Result is the text and optional structured output of one call.
type Result struct {
	Text            string                  `json:"text"`
	Analysis        *domain.ProductAnalysis `json:"analysis,omitempty"`
	CompletedTopics []domain.Topic          `json:"completedTopics,omitempty"`
	Insights        []string                `json:"insights,omitempty"`
	Uncertainties   []string                `json:"uncertainties,omitempty"`
	Usage           TokenUsage              `json:"usage"`
	Model           string                  `json:"model,omitempty"`
}

// Backend is a generative AI service.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string
	// Generate runs one request. Errors wrap ErrTransient or ErrPermanent.
	Generate(ctx context.Context, req Request) (*Result, error)
	// Close releases connections.
	Close() error
}

// classifyContext turns context expiry into a transient failure.
func classifyContext(err error) (error, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: deadline exceeded", ErrTransient), true
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: canceled", ErrTransient), true
	}
	return nil, false
}

// classifyHTTPStatus maps a vendor API status code onto the error classes.
func classifyHTTPStatus(code int, err error) error {
	if code == 429 || code == 408 || code >= 500 {
		return fmt.Errorf("%w: status %d: %v", ErrTransient, code, err)
	}
	return fmt.Errorf("%w: status %d: %v", ErrPermanent, code, err)
}

// logged wraps a backend with per-call logging.
type logged struct {
	Backend
	logger *slog.Logger
}

// WithLogging returns b with model, token usage, duration and outcome
// logged for every call.
func WithLogging(b Backend, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &logged{Backend: b, logger: logger}
}

func (l *logged) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := l.Backend.Generate(ctx, req)
	duration := time.Since(start)
	if err != nil {
		l.logger.Warn("generation failed",
			"backend", l.Name(), "session_id", req.SessionID, "kind", req.Kind, "agent", req.Agent,
			"duration", duration, "transient", errors.Is(err, ErrTransient), "error", err)
		return nil, err
	}
	l.logger.Info("generation completed",
		"backend", l.Name(), "model", res.Model, "session_id", req.SessionID, "kind", req.Kind,
		"agent", req.Agent, "input_tokens", res.Usage.Input, "output_tokens", res.Usage.Output,
		"duration", duration)
	return res, nil
}

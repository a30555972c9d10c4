package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// Simulated answers from canned templates without any network call. Output
// is deterministic for a given request.
type Simulated struct {
	now func() time.Time
}

// NewSimulated creates the offline backend.
func NewSimulated() *Simulated {
	return &Simulated{now: time.Now}
}

// Name implements Backend.
func (s *Simulated) Name() string { return "simulated" }

// Close implements Backend.
func (s *Simulated) Close() error { return nil }

// Generate implements Backend.
func (s *Simulated) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		classified, _ := classifyContext(err)
		return nil, classified
	}

	var res *Result
	switch req.Kind {
	case KindAnalysis:
		res = s.analyze(req)
	case KindChat:
		if !req.Agent.Valid() {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrPermanent, req.Agent)
		}
		res = s.chat(req)
	default:
		return nil, fmt.Errorf("%w: unknown request kind %q", ErrPermanent, req.Kind)
	}
	res.Model = "simulated"
	res.Usage = TokenUsage{
		Input:  int64(countWords(req.System) + countWords(req.Prompt) + historyWords(req.History)),
		Output: int64(countWords(res.Text)),
	}
	return res, nil
}

func (s *Simulated) analyze(req Request) *Result {
	description := strings.TrimSpace(req.Prompt)
	if description == "" {
		description = "the uploaded product"
	}
	var features []string
	for _, w := range strings.Fields(description) {
		w = strings.Trim(strings.ToLower(w), ".,;:!?\"'()")
		if len(w) > 5 && len(features) < 3 {
			features = append(features, w)
		}
	}
	summary := fmt.Sprintf("A product described as %q.", truncate(description, 120))
	return &Result{
		Text: summary,
		Analysis: &domain.ProductAnalysis{
			Summary:        summary,
			Category:       "consumer goods",
			Features:       features,
			TargetAudience: []string{"online shoppers"},
			Confidence:     0.85,
			GeneratedAt:    s.now().UTC(),
		},
	}
}

func (s *Simulated) chat(req Request) *Result {
	topic := req.Topic
	if topic == "" {
		topic = domain.FallbackTopic
	}
	reply := fmt.Sprintf("As your %s, I noted what you said about %s. Could you tell me a bit more?",
		req.Agent.DisplayName(), strings.ToLower(topic.Label()))
	return &Result{
		Text:     reply,
		Insights: []string{fmt.Sprintf("%s: %s", topic.Label(), truncate(strings.TrimSpace(req.Prompt), 80))},
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func historyWords(h []Message) int {
	n := 0
	for _, m := range h {
		n += countWords(m.Content)
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

package generation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// defaultConfidence is assigned when a model omits a confidence score.
const defaultConfidence = 0.6

// SystemPrompt returns the instruction block for an agent and request kind.
func SystemPrompt(agent domain.Agent, kind Kind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s of a product marketing studio.\n", agent.DisplayName())
	switch kind {
	case KindAnalysis:
		b.WriteString("Analyze the product the user describes. Respond with a single JSON object: " +
			`{"summary": string, "category": string, "features": [string], ` +
			`"targetAudience": [string], "confidence": number between 0 and 1}.`)
	case KindChat:
		b.WriteString("Hold a focused conversation about the product. Respond with a single JSON object: " +
			`{"reply": string, "completedTopics": [string], "insights": [string], "uncertainties": [string]}. ` +
			"Valid topics: ")
		topics := domain.Topics()
		names := make([]string, len(topics))
		for i, t := range topics {
			names[i] = string(t)
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(". List a topic in completedTopics only when the user has fully covered it.")
	default:
		panic(fmt.Sprintf("generation: unhandled kind %q", string(kind)))
	}
	return b.String()
}

type structuredReply struct {
	Reply           string   `json:"reply"`
	Summary         string   `json:"summary"`
	Category        string   `json:"category"`
	Features        []string `json:"features"`
	TargetAudience  []string `json:"targetAudience"`
	Confidence      *float64 `json:"confidence"`
	CompletedTopics []string `json:"completedTopics"`
	Insights        []string `json:"insights"`
	Uncertainties   []string `json:"uncertainties"`
}

// ParseReply extracts structured fields from model text. Text without a
// JSON object is kept verbatim as the reply or summary.
func ParseReply(kind Kind, text string, now time.Time) *Result {
	var reply structuredReply
	parsed := false
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		parsed = json.Unmarshal([]byte(text[start:end+1]), &reply) == nil
	}

	res := &Result{Text: strings.TrimSpace(text)}
	switch kind {
	case KindAnalysis:
		a := &domain.ProductAnalysis{Summary: res.Text, Confidence: defaultConfidence, GeneratedAt: now}
		if parsed {
			if reply.Summary != "" {
				a.Summary = reply.Summary
			}
			a.Category = reply.Category
			a.Features = reply.Features
			a.TargetAudience = reply.TargetAudience
			if reply.Confidence != nil {
				a.Confidence = clamp01(*reply.Confidence)
			}
			res.Text = a.Summary
		}
		res.Analysis = a
	case KindChat:
		if parsed {
			if reply.Reply != "" {
				res.Text = reply.Reply
			}
			for _, name := range reply.CompletedTopics {
				if t, err := domain.ParseTopic(name); err == nil {
					res.CompletedTopics = append(res.CompletedTopics, t)
				}
			}
			res.Insights = reply.Insights
			res.Uncertainties = reply.Uncertainties
		}
	default:
		panic(fmt.Sprintf("generation: unhandled kind %q", string(kind)))
	}
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

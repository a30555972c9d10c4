// Package handoff decides when a conversation may move to the next agent and
// performs that transfer with an audit trail.
package handoff

import (
	"fmt"

	"github.com/ashureev/adstudio/internal/domain"
)

// Thresholds configures readiness and validation.
type Thresholds struct {
	// MinCompletionRatio is the completed/total topic ratio needed to hand off.
	MinCompletionRatio float64
	// MinConfidence is the analysis confidence below which validation fails.
	MinConfidence float64
	// WarnConfidence is the analysis confidence below which validation warns.
	WarnConfidence float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCompletionRatio: 0.6,
		MinConfidence:      0.5,
		WarnConfidence:     0.7,
	}
}

// Evaluator is a pure readiness and validation check over a session.
type Evaluator struct {
	th Thresholds
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(th Thresholds) *Evaluator {
	return &Evaluator{th: th}
}

// Thresholds returns the evaluator configuration.
func (e *Evaluator) Thresholds() Thresholds {
	return e.th
}

// IsReady reports whether s has an analysis and enough completed topics.
func (e *Evaluator) IsReady(s *domain.Session) bool {
	return s.HasAnalysis() && s.CompletedRatio() >= e.th.MinCompletionRatio
}

// Validate checks the data a handoff would carry. It never fails; blocking
// problems are reported in Errors and advisory ones in Warnings.
func (e *Evaluator) Validate(s *domain.Session) domain.ValidationResult {
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}}

	if a := s.Product.Analysis; a == nil {
		res.Errors = append(res.Errors, "product analysis is missing")
	} else {
		if a.Summary == "" {
			res.Errors = append(res.Errors, "product analysis summary is empty")
		}
		switch {
		case a.Confidence < e.th.MinConfidence:
			res.Errors = append(res.Errors,
				fmt.Sprintf("analysis confidence %.2f is below the minimum %.2f", a.Confidence, e.th.MinConfidence))
		case a.Confidence < e.th.WarnConfidence:
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("analysis confidence %.2f is low", a.Confidence))
		}
	}

	completed := s.CompletedTopics()
	if completed == 0 {
		res.Errors = append(res.Errors, "no topic has been completed")
	} else if s.CompletedRatio() < e.th.MinCompletionRatio {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("only %d of %d topics completed", completed, len(domain.Topics())))
	}

	if len(s.Conversation.KeyInsights) == 0 {
		res.Warnings = append(res.Warnings, "no key insights recorded")
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

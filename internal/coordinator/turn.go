package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/generation"
	"github.com/ashureev/adstudio/internal/handoff"
	"github.com/ashureev/adstudio/internal/ratelimit"
)

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Reply       string             `json:"reply"`
	Agent       domain.Agent       `json:"agent"`
	AgentName   string             `json:"agentName"`
	Topic       domain.Topic       `json:"topic"`
	TopicStatus domain.TopicStatus `json:"topicStatus"`
	Cost        float64            `json:"cost"`
	Session     *domain.Session    `json:"session"`
	Handoff     *HandoffOutcome    `json:"handoff,omitempty"`
}

// HandoffOutcome reports an automatic handoff triggered by a turn.
type HandoffOutcome struct {
	Record           *domain.HandoffAuditRecord `json:"record"`
	ValidationErrors []string                   `json:"validationErrors,omitempty"`
}

// SubmitTurn processes one user message: budget gate, generation, topic and
// cost bookkeeping under optimistic locking, chat log append, and an
// automatic handoff when readiness first turns true.
//
// A failed generation leaves cost and topics untouched; only the request
// and failure counters are recorded.
func (c *Coordinator) SubmitTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyTurn
	}

	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Closed() {
		return nil, domain.ErrSessionClosed
	}
	if !c.cfg.RateLimit.Peek(s.RateLimit, c.now()) {
		c.logger.Warn("turn rate limited", "session_id", sessionID, "reset_at", s.RateLimit.ResetAt)
		return nil, domain.ErrRateLimited
	}

	tp := c.tracker.Classify(text)
	req := generation.Request{
		Kind:            generation.KindChat,
		SessionID:       s.SessionID,
		Agent:           s.CurrentAgent,
		Topic:           tp,
		Locale:          s.User.Locale,
		System:          c.systemPrompt(ctx, s),
		Prompt:          text,
		History:         c.history(ctx, s.SessionID),
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}
	decision := c.guard.CanProceed(s.Costs, c.pricing.Estimate(req))
	if !decision.Allowed {
		c.logger.Warn("turn blocked by budget", "session_id", sessionID, "reason", decision.Reason)
		return nil, decision.Err()
	}

	start := time.Now()
	res, genErr := c.generate(ctx, req)
	latency := time.Since(start)
	wctx := context.WithoutCancel(ctx)
	if genErr != nil {
		c.recordFailure(wctx, sessionID, latency)
		return nil, genErr
	}

	cost := c.pricing.Cost(res.Usage)
	var wasReady, ready bool
	updated, err := c.update(wctx, s, func(next *domain.Session) error {
		now := c.now()
		if !c.cfg.RateLimit.Allow(&next.RateLimit, now) {
			return domain.ErrRateLimited
		}
		if _, err := c.guard.Record(&next.Costs, decision, CategoryChat, cost); err != nil {
			return err
		}

		c.tracker.Advance(next, tp)
		for _, done := range res.CompletedTopics {
			c.tracker.Complete(next, done)
		}
		next.Conversation.KeyInsights = mergeUnique(next.Conversation.KeyInsights, res.Insights, c.cfg.InsightLimit)
		next.Conversation.Uncertainties = mergeUnique(next.Conversation.Uncertainties, res.Uncertainties, c.cfg.InsightLimit)
		next.Conversation.MessageCount += 2
		next.Conversation.LastMessageTimestamp = now
		next.User.LastActivity = now
		ratelimit.Observe(&next.Health, true, latency, now)

		wasReady = next.Handoff.ReadyForNext
		c.refreshReadiness(next)
		ready = next.Handoff.ReadyForNext
		next.Status = turnStatus(next)
		return nil
	})
	if err != nil {
		return nil, err
	}

	agentName := s.CurrentAgent.DisplayName()
	c.appendMessages(ctx,
		&domain.ChatMessage{
			SessionID: sessionID,
			Type:      domain.MessageUser,
			Content:   text,
			Metadata:  map[string]string{"topic": string(tp)},
		},
		&domain.ChatMessage{
			SessionID: sessionID,
			Type:      domain.MessageAgent,
			AgentName: agentName,
			Content:   res.Text,
			Metadata: map[string]string{
				"model": res.Model,
				"cost":  strconv.FormatFloat(cost, 'f', 6, 64),
			},
		},
	)

	result := &TurnResult{
		Reply:       res.Text,
		Agent:       s.CurrentAgent,
		AgentName:   agentName,
		Topic:       tp,
		TopicStatus: updated.TopicStatus(tp),
		Cost:        cost,
		Session:     updated,
	}

	c.logger.Info("turn processed", "session_id", sessionID, "agent", s.CurrentAgent, "topic", tp,
		"cost", cost, "remaining", updated.Costs.Remaining, "ready", ready)

	if c.cfg.AutoHandoff && ready && !wasReady {
		if _, hasNext := updated.CurrentAgent.Next(); hasNext {
			result.Handoff, result.Session = c.autoHandoff(ctx, updated)
		}
	}
	return result, nil
}

// autoHandoff runs a handoff on the readiness rising edge. Its failure never
// fails the turn that triggered it.
func (c *Coordinator) autoHandoff(ctx context.Context, s *domain.Session) (*HandoffOutcome, *domain.Session) {
	res, err := c.protocol.Execute(ctx, s, handoff.TriggerAuto)
	var vErr *domain.ValidationError
	switch {
	case err == nil:
		c.announceHandoff(ctx, res.Record)
		return &HandoffOutcome{Record: res.Record}, res.Session
	case errors.As(err, &vErr) && res != nil:
		return &HandoffOutcome{Record: res.Record, ValidationErrors: vErr.Errors}, res.Session
	default:
		c.logger.Warn("automatic handoff failed", "session_id", s.SessionID, "error", err)
		return nil, s
	}
}

// recordFailure counts a failed request against the rate window and health.
func (c *Coordinator) recordFailure(ctx context.Context, sessionID string, latency time.Duration) {
	if _, err := c.updateLatest(ctx, sessionID, func(next *domain.Session) error {
		now := c.now()
		c.cfg.RateLimit.Allow(&next.RateLimit, now)
		ratelimit.Observe(&next.Health, false, latency, now)
		return nil
	}); err != nil {
		c.logger.Warn("failed to record turn failure", "session_id", sessionID, "error", err)
	}
}

func turnStatus(s *domain.Session) domain.Status {
	_, hasNext := s.CurrentAgent.Next()
	switch {
	case s.Handoff.ReadyForNext && hasNext:
		return domain.StatusReadyForHandoff
	case s.HasAnalysis():
		return domain.StatusChatting
	default:
		return domain.StatusActive
	}
}

// history returns recent user and agent messages as generation context.
func (c *Coordinator) history(ctx context.Context, sessionID string) []generation.Message {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	msgs, err := c.repo.ListMessages(sctx, sessionID)
	if err != nil {
		c.logger.Warn("failed to load chat history", "session_id", sessionID, "error", err)
		return nil
	}
	var out []generation.Message
	for _, m := range msgs {
		switch m.Type {
		case domain.MessageUser:
			out = append(out, generation.Message{Role: "user", Content: m.Content})
		case domain.MessageAgent:
			out = append(out, generation.Message{Role: "assistant", Content: m.Content})
		}
	}
	if len(out) > c.cfg.HistoryLimit {
		out = out[len(out)-c.cfg.HistoryLimit:]
	}
	return out
}

// systemPrompt adds the product analysis and, after a handoff, the context
// the previous agent passed on.
func (c *Coordinator) systemPrompt(ctx context.Context, s *domain.Session) string {
	var b strings.Builder
	b.WriteString(generation.SystemPrompt(s.CurrentAgent, generation.KindChat))
	if a := s.Product.Analysis; a != nil {
		fmt.Fprintf(&b, "\nProduct analysis: %s", a.Summary)
	}
	if tp, ok := c.tracker.NextPending(s); ok {
		fmt.Fprintf(&b, "\nSteer toward: %s.", strings.ToLower(tp.Label()))
	}
	if payload := c.handoffPayload(ctx, s); payload != nil && len(payload.KeyInsights) > 0 {
		fmt.Fprintf(&b, "\nThe %s passed on these insights: %s.",
			payload.FromAgent.DisplayName(), strings.Join(payload.KeyInsights, "; "))
	}
	return b.String()
}

// handoffPayload decodes the context of the handoff that gave the current
// agent the session.
func (c *Coordinator) handoffPayload(ctx context.Context, s *domain.Session) *handoff.Payload {
	if s.Handoff.ContextRef == "" {
		return nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	records, err := c.repo.ListHandoffs(sctx, s.SessionID)
	if err != nil {
		c.logger.Warn("failed to load handoff context", "session_id", s.SessionID, "error", err)
		return nil
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID != s.Handoff.ContextRef {
			continue
		}
		payload, err := handoff.DecodePayload(records[i].SerializedData)
		if err != nil {
			c.logger.Warn("failed to decode handoff context", "session_id", s.SessionID, "error", err)
			return nil
		}
		return payload
	}
	return nil
}
